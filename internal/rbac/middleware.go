package rbac

import "net/http"

var defaultChecker = NewChecker(nil)

// guard lets the request through when allowed holds for the caller's role.
func (c *Checker) guard(allowed func(role string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if role == "" || !allowed(role) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c *Checker) Require(perm string) func(http.Handler) http.Handler {
	return c.guard(func(role string) bool { return c.Has(role, perm) })
}

func (c *Checker) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return c.guard(func(role string) bool { return c.Any(role, perms...) })
}

func (c *Checker) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return c.guard(func(role string) bool { return c.All(role, perms...) })
}

// RequireOwnerOr admits the owner of the resource, or any role holding perm.
func (c *Checker) RequireOwnerOr(perm string, isOwner func(r *http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOwner(r) || c.Has(RoleFromContext(r.Context()), perm) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

// Require enforces a single permission of the default policy.
func Require(perm string) func(http.Handler) http.Handler { return defaultChecker.Require(perm) }

func RequireAny(perms ...string) func(http.Handler) http.Handler {
	return defaultChecker.RequireAny(perms...)
}

func RequireAll(perms ...string) func(http.Handler) http.Handler {
	return defaultChecker.RequireAll(perms...)
}

func RequireOwnerOr(perm string, isOwner func(r *http.Request) bool) func(http.Handler) http.Handler {
	return defaultChecker.RequireOwnerOr(perm, isOwner)
}
