package http

import (
	"encoding/json"
	"net/http"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
)

type changePasswordReq struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func ChangePasswordHandler(store UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := authmw.SubjectFromContext(r.Context())
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req changePasswordReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.NewPassword == "" {
			http.Error(w, "new password required", http.StatusBadRequest)
			return
		}
		if err := store.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
			http.Error(w, err.Error(), statusForUserErr(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
