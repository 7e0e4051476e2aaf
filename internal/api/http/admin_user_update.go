package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-webwork/internal/users"
)

type updateUserRoleReq struct {
	Role string `json:"role"`
}

func AdminUpdateUserRoleHandler(store UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target := chi.URLParam(r, "userID") // id or username
		var req updateUserRoleReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		role := strings.ToLower(strings.TrimSpace(req.Role))
		if !users.ValidRole(role) {
			http.Error(w, "invalid role", http.StatusBadRequest)
			return
		}
		if err := store.SetRole(r.Context(), target, role); err != nil {
			http.Error(w, err.Error(), statusForUserErr(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
