package guard

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// Middleware guards HTTP routes with a per-request Guard.
type Middleware struct {
	Routes Routes
	// WaitFor bounds how long a request waits for the scope store to resolve.
	WaitFor time.Duration
	// Waiting renders the placeholder shown while the session is loading.
	Waiting   http.Handler
	Decisions *prometheus.CounterVec
	Logger    *slog.Logger
}

// Require lets a request through only when the scope identity holds one of
// roles. An empty list only requires authentication.
func (m Middleware) Require(roles ...rbac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			store := session.StoreFromContext(r.Context())
			var snap session.Snapshot
			if store != nil {
				snap = m.await(r.Context(), store)
			} else {
				snap = session.Snapshot{State: session.StateUnauthenticated}
			}

			nav := &responseNavigator{w: w, r: r}
			d := New(m.Routes, r.URL.Path, nav, roles...).Observe(snap)
			m.record(d)
			switch d {
			case Render:
				next.ServeHTTP(w, r)
			case Wait:
				m.waiting(w, r)
			default:
				if nav.wrote {
					return
				}
				status := http.StatusForbidden
				if d == RedirectSignIn {
					status = http.StatusUnauthorized
				}
				http.Error(w, http.StatusText(status), status)
			}
		})
	}
}

func (m Middleware) await(ctx context.Context, store *session.Store) session.Snapshot {
	if m.WaitFor <= 0 {
		return store.Snapshot()
	}
	ctx, cancel := context.WithTimeout(ctx, m.WaitFor)
	defer cancel()
	snap, err := store.Wait(ctx)
	if err != nil && m.Logger != nil {
		m.Logger.Debug("guard wait", slog.Any("error", err))
	}
	return snap
}

func (m Middleware) waiting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Refresh", "1")
	w.Header().Set("Cache-Control", "no-store")
	if m.Waiting != nil {
		m.Waiting.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Loading session…"))
}

func (m Middleware) record(d Decision) {
	if m.Decisions == nil {
		return
	}
	m.Decisions.WithLabelValues(d.String()).Inc()
}

type responseNavigator struct {
	w     http.ResponseWriter
	r     *http.Request
	wrote bool
}

func (n *responseNavigator) Navigate(target string) {
	if n.wrote {
		return
	}
	n.wrote = true
	http.Redirect(n.w, n.r, target, http.StatusSeeOther)
}
