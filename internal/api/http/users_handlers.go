package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mind-engage/mindengage-webwork/internal/users"
)

// UserStore is the account storage the user handlers work against.
type UserStore interface {
	Upsert(ctx context.Context, rows []users.Row) (inserted, updated int, err error)
	List(ctx context.Context, role string) ([]users.User, error)
	ChangePassword(ctx context.Context, id, oldPassword, newPassword string) error
	SetRole(ctx context.Context, target, role string) error
}

// BulkUpsertUsersHandler accepts a JSON array body or a multipart "file" holding CSV or JSON.
func BulkUpsertUsersHandler(store UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rows []users.Row
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "file required", http.StatusBadRequest)
				return
			}
			defer f.Close()
			raw, err := io.ReadAll(f)
			if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
				http.Error(w, "empty file", http.StatusBadRequest)
				return
			}
			if t := strings.TrimSpace(string(raw)); t[0] == '[' {
				if err := json.Unmarshal(raw, &rows); err != nil {
					http.Error(w, "bad json", http.StatusBadRequest)
					return
				}
			} else if rows, err = users.ParseCSV(strings.NewReader(string(raw))); err != nil {
				http.Error(w, "bad csv: "+err.Error(), http.StatusBadRequest)
				return
			}
		} else if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
			http.Error(w, "expected JSON array or multipart file", http.StatusBadRequest)
			return
		}
		if len(rows) == 0 {
			respondJSON(w, http.StatusOK, map[string]int{"inserted": 0, "updated": 0})
			return
		}
		ins, upd, err := store.Upsert(r.Context(), rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusOK, map[string]int{"inserted": ins, "updated": upd})
	}
}

func ListUsersHandler(store UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := store.List(r.Context(), r.URL.Query().Get("role"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, list)
	}
}

func statusForUserErr(err error) int {
	switch {
	case errors.Is(err, users.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, users.ErrBadCredentials):
		return http.StatusForbidden
	case errors.Is(err, users.ErrLastAdmin):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
