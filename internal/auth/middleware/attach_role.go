package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/mind-engage/mindengage-webwork/internal/rbac"
	"github.com/mind-engage/mindengage-webwork/internal/users"
)

// RoleLookup returns the stored role of a subject, users.ErrNotFound when there is none.
type RoleLookup interface {
	Role(ctx context.Context, sub string) (string, error)
}

// AttachRole replaces the role claim with the stored role, so a demoted user loses access before
// their token expires. A subject without a stored account keeps an admin claim always and any
// other claim only when allowClaimFallback is set (offline mode).
func AttachRole(lookup RoleLookup, allowClaimFallback bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claimRole := rbac.RoleFromContext(ctx)
			role, err := lookup.Role(ctx, SubjectFromContext(ctx))

			switch {
			case err == nil && role != "":
				next.ServeHTTP(w, r.WithContext(rbac.WithRole(ctx, role)))
			case errors.Is(err, users.ErrNotFound) && (claimRole == users.RoleAdmin || (allowClaimFallback && claimRole != "")):
				next.ServeHTTP(w, r)
			case err != nil && !errors.Is(err, users.ErrNotFound) && allowClaimFallback && claimRole != "":
				next.ServeHTTP(w, r)
			default:
				http.Error(w, "forbidden", http.StatusForbidden)
			}
		})
	}
}
