package authz

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// Requirement is one (domain, action) pair checked by the middleware.
type Requirement struct {
	Domain string
	Action rbac.Action
}

// Middleware wires permission checks for HTTP handlers.
type Middleware struct {
	Facade    *Facade
	Logger    *slog.Logger
	Decisions *prometheus.CounterVec
}

// RequirePermission ensures the current identity may perform action on domain.
func (m Middleware) RequirePermission(domain string, action rbac.Action) func(http.Handler) http.Handler {
	return m.RequireAnyPermission(Requirement{Domain: domain, Action: action})
}

// RequireAnyPermission ensures the current identity satisfies at least one requirement.
func (m Middleware) RequireAnyPermission(reqs ...Requirement) func(http.Handler) http.Handler {
	return m.require("any", reqs, func(id *session.Identity) bool {
		for _, req := range reqs {
			if m.Facade.HasPermission(id, req.Domain, req.Action) {
				return true
			}
		}
		return false
	})
}

// RequireAllPermissions ensures the current identity satisfies every requirement.
func (m Middleware) RequireAllPermissions(reqs ...Requirement) func(http.Handler) http.Handler {
	return m.require("all", reqs, func(id *session.Identity) bool {
		for _, req := range reqs {
			if !m.Facade.HasPermission(id, req.Domain, req.Action) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) require(mode string, reqs []Requirement, check func(*session.Identity) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(reqs) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			id := session.IdentityFromContext(r.Context())
			if id == nil {
				m.record(mode, "deny")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			if check(id) {
				m.record(mode, "allow")
				next.ServeHTTP(w, r)
				return
			}
			m.record(mode, "deny")
			if m.Logger != nil {
				m.Logger.Info("authz denied", slog.String("user_id", id.ID), slog.String("role", string(id.Role)), slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) record(mode, result string) {
	if m.Decisions == nil {
		return
	}
	m.Decisions.WithLabelValues(mode, result).Inc()
}
