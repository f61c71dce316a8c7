// Package authz answers role, permission and visibility questions for a
// session identity.
package authz

import (
	"net/http"

	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// Facade composes the permission table and the navigation catalog.
type Facade struct {
	table   *rbac.Table
	catalog *navigation.Catalog
}

// NewFacade builds a Facade.
func NewFacade(table *rbac.Table, catalog *navigation.Catalog) *Facade {
	return &Facade{table: table, catalog: catalog}
}

// Table exposes the permission table.
func (f *Facade) Table() *rbac.Table {
	return f.table
}

// HasRole reports whether id holds any of roles.
func (f *Facade) HasRole(id *session.Identity, roles ...rbac.Role) bool {
	if id == nil || id.Role == "" {
		return false
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// HasPermission reports whether id may perform action on domain.
func (f *Facade) HasPermission(id *session.Identity, domain string, action rbac.Action) bool {
	if id == nil || id.Role == "" {
		return false
	}
	return f.table.Allows(id.Role, domain, action)
}

// VisibleModules returns every catalog module with its sections attached.
// The identity is not consulted yet: no module-to-role mapping has been
// defined, so all modules are returned for every caller.
func (f *Facade) VisibleModules(id *session.Identity) []navigation.Module {
	if f == nil || f.catalog == nil {
		return []navigation.Module{}
	}
	return f.catalog.Modules()
}

// Predicate decides whether an identity may see guarded content.
type Predicate func(id *session.Identity) bool

// RolePredicate is satisfied by identities holding any of roles.
func (f *Facade) RolePredicate(roles ...rbac.Role) Predicate {
	return func(id *session.Identity) bool {
		return f.HasRole(id, roles...)
	}
}

// PermissionPredicate is satisfied by identities allowed action on domain.
func (f *Facade) PermissionPredicate(domain string, action rbac.Action) Predicate {
	return func(id *session.Identity) bool {
		return f.HasPermission(id, domain, action)
	}
}

// Gate serves children when pred holds for the request identity and
// fallback otherwise. A nil fallback writes nothing.
func Gate(pred Predicate, children, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pred != nil && pred(session.IdentityFromContext(r.Context())) {
			children.ServeHTTP(w, r)
			return
		}
		if fallback != nil {
			fallback.ServeHTTP(w, r)
		}
	})
}

// TemplateFuncs exposes the facade to templates as "can" and "hasRole".
func (f *Facade) TemplateFuncs() map[string]any {
	return map[string]any{
		"can": func(id *session.Identity, domain, action string) bool {
			a, ok := rbac.ParseAction(action)
			if !ok {
				return false
			}
			return f.HasPermission(id, domain, a)
		},
		"hasRole": func(id *session.Identity, roles ...string) bool {
			parsed := make([]rbac.Role, 0, len(roles))
			for _, raw := range roles {
				if r, ok := rbac.ParseRole(raw); ok {
					parsed = append(parsed, r)
				}
			}
			return f.HasRole(id, parsed...)
		},
	}
}
