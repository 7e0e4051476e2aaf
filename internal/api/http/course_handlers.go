package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	authmw "github.com/mind-engage/mindengage-webwork/internal/auth/middleware"
	"github.com/mind-engage/mindengage-webwork/internal/problem"
	"github.com/mind-engage/mindengage-webwork/internal/settings"
)

// PutCourseSettingsHandler stores the server table and schedule settings of a course.
// Server credentials are accepted here but never returned by any endpoint.
func PutCourseSettingsHandler(store problem.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cs settings.CourseSettings
		if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		cs.CourseID = chi.URLParam(r, "courseID")
		if err := cs.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// the line items url normally arrives with an LMS launch
		if cs.LineItemsURL == "" {
			prev, err := store.GetCourseSettings(r.Context(), cs.CourseID)
			if err != nil && !errors.Is(err, problem.ErrNotFound) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			cs.LineItemsURL = prev.LineItemsURL
		}
		if err := store.PutCourseSettings(r.Context(), cs); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		log.Info("course settings saved", zap.String("course", cs.CourseID),
			zap.Strings("servers", cs.ServerIDOptions()), zap.String("by", authmw.SubjectFromContext(r.Context())))
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListServerOptionsHandler lists the server ids a problem of the course may select, default first.
func ListServerOptionsHandler(store problem.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs, err := store.GetCourseSettings(r.Context(), chi.URLParam(r, "courseID"))
		if err != nil && !errors.Is(err, problem.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"default_server": cs.DefaultServer,
			"options":        cs.ServerIDOptions(),
		})
	}
}
