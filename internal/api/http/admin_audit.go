package http

import (
	"context"
	"net/http"
	"strconv"

	syncx "github.com/mind-engage/mindengage-webwork/internal/sync"
)

// EventSearcher reads the audit trail.
type EventSearcher interface {
	Search(ctx context.Context, q string, limit int) ([]syncx.Event, error)
	ListByKey(ctx context.Context, key string, limit int) ([]syncx.Event, error)
}

// HandleAdminAuditSearch returns recent events whose type or key contains q.
func HandleAdminAuditSearch(events EventSearcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		out, err := events.Search(r.Context(), r.URL.Query().Get("q"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if out == nil {
			out = []syncx.Event{}
		}
		respondJSON(w, http.StatusOK, out)
	}
}
