// Package guard decides whether a protected view may render for the current
// session snapshot and steers the scope elsewhere when it may not.
package guard

import (
	"sync"

	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// Decision is the outcome of evaluating a snapshot against required roles.
type Decision int

const (
	// Wait means the session is still resolving; show a placeholder.
	Wait Decision = iota
	// Render means the protected content may be shown.
	Render
	// RedirectSignIn means there is no authenticated identity.
	RedirectSignIn
	// RedirectUnauthorized means the identity lacks every required role.
	RedirectUnauthorized
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Render:
		return "render"
	case RedirectSignIn:
		return "redirect_sign_in"
	case RedirectUnauthorized:
		return "redirect_unauthorized"
	default:
		return "unknown"
	}
}

// Routes are the redirect targets.
type Routes struct {
	SignIn       string
	Unauthorized string
}

// Evaluate maps a snapshot to a Decision. Administrators pass every role
// check; an empty role list only requires authentication.
func Evaluate(snap session.Snapshot, required ...rbac.Role) Decision {
	if !snap.State.Resolved() {
		return Wait
	}
	if snap.State != session.StateAuthenticated || snap.Identity == nil {
		return RedirectSignIn
	}
	if len(required) == 0 {
		return Render
	}
	role := snap.Identity.Role
	if role == rbac.RoleAdministrator {
		return Render
	}
	if role == "" {
		return RedirectUnauthorized
	}
	for _, r := range required {
		if r == role {
			return Render
		}
	}
	return RedirectUnauthorized
}

// Target returns the redirect path for d, or "" when d does not redirect.
func (r Routes) Target(d Decision) string {
	switch d {
	case RedirectSignIn:
		return r.SignIn
	case RedirectUnauthorized:
		return r.Unauthorized
	default:
		return ""
	}
}

// Guard is one guarded view. It re-evaluates on every observed snapshot and
// navigates at most once per (generation, decision).
type Guard struct {
	required  []rbac.Role
	routes    Routes
	current   string
	navigator session.Navigator

	mu    sync.Mutex
	fired map[firing]struct{}
}

type firing struct {
	generation uint64
	decision   Decision
}

// New builds a Guard for the view rendered at current.
func New(routes Routes, current string, navigator session.Navigator, required ...rbac.Role) *Guard {
	return &Guard{
		required:  append([]rbac.Role(nil), required...),
		routes:    routes,
		current:   current,
		navigator: navigator,
		fired:     make(map[firing]struct{}),
	}
}

// Observe evaluates snap and performs the redirect the decision calls for.
// A redirect to the view's own path is never issued.
func (g *Guard) Observe(snap session.Snapshot) Decision {
	d := Evaluate(snap, g.required...)
	target := g.routes.Target(d)
	if target == "" || target == g.current || g.navigator == nil {
		return d
	}
	key := firing{generation: snap.Generation, decision: d}
	g.mu.Lock()
	if _, done := g.fired[key]; done {
		g.mu.Unlock()
		return d
	}
	g.fired[key] = struct{}{}
	g.mu.Unlock()
	g.navigator.Navigate(target)
	return d
}
