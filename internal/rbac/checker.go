// Package rbac maps roles to permissions and guards routes with them.
package rbac

import (
	"context"
	"strings"
)

// Checker answers permission questions against a role table.
// Permissions are "area:action"; a trailing "*" matches any suffix.
type Checker struct {
	RolePermissions map[string][]string
}

func NewChecker(rp map[string][]string) *Checker {
	if rp == nil {
		rp = RolePermissions
	}
	return &Checker{RolePermissions: rp}
}

func (c *Checker) Has(role, perm string) bool {
	for _, p := range c.RolePermissions[role] {
		if matchPerm(p, perm) {
			return true
		}
	}
	return false
}

func (c *Checker) Any(role string, perms ...string) bool {
	for _, p := range perms {
		if c.Has(role, p) {
			return true
		}
	}
	return false
}

func (c *Checker) All(role string, perms ...string) bool {
	for _, p := range perms {
		if !c.Has(role, p) {
			return false
		}
	}
	return len(perms) > 0
}

func matchPerm(pattern, perm string) bool {
	if pattern == "*" || pattern == perm {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, "*")
	return ok && strings.HasPrefix(perm, prefix)
}

type ctxKey struct{}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, ctxKey{}, role)
}

func RoleFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxKey{}).(string)
	return s
}
