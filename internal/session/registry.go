package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrScopeRequired is returned when Acquire is called without a scope id.
var ErrScopeRequired = errors.New("session: scope id required")

// Scope is one browser scope: its Store and the redirect queue the Store
// navigates through.
type Scope struct {
	ID        string
	Store     *Store
	Redirects *RedirectQueue
}

// OptionsFactory returns Store options for a scope. Navigator is supplied by
// the registry and overrides any value returned.
type OptionsFactory func(scopeID string) (Options, error)

// Registry keeps one started Store per scope and tears stores down when they
// fall idle, are released, or are evicted for capacity.
type Registry struct {
	factory OptionsFactory
	scopes  *expirable.LRU[string, *Scope]
	group   singleflight.Group
	logger  *slog.Logger
}

// NewRegistry builds a Registry holding at most size scopes, each expiring
// after idle without use.
func NewRegistry(factory OptionsFactory, size int, idle time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = 1024
	}
	r := &Registry{factory: factory, logger: logger}
	r.scopes = expirable.NewLRU[string, *Scope](size, r.evicted, idle)
	return r
}

// Acquire returns the started scope for scopeID, creating it on first use.
func (r *Registry) Acquire(ctx context.Context, scopeID string) (*Scope, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return nil, ErrScopeRequired
	}
	if scope, ok := r.scopes.Get(scopeID); ok && !scope.Store.Closed() {
		r.scopes.Add(scopeID, scope)
		return scope, nil
	}
	v, err, _ := r.group.Do(scopeID, func() (any, error) {
		if scope, ok := r.scopes.Get(scopeID); ok && !scope.Store.Closed() {
			return scope, nil
		}
		opts, err := r.factory(scopeID)
		if err != nil {
			return nil, err
		}
		queue := &RedirectQueue{}
		opts.Navigator = queue
		if opts.Logger == nil {
			opts.Logger = r.logger
		}
		scope := &Scope{ID: scopeID, Store: NewStore(opts), Redirects: queue}
		scope.Store.Watch(func(snap Snapshot) {
			r.logger.Debug("session state", slog.String("scope", scopeID), slog.String("state", snap.State.String()), slog.Uint64("generation", snap.Generation))
		})
		scope.Store.Start(context.WithoutCancel(ctx))
		r.scopes.Add(scopeID, scope)
		r.logger.Debug("session scope created", slog.String("scope", scopeID))
		return scope, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Scope), nil
}

// Peek returns the scope without creating or renewing it.
func (r *Registry) Peek(scopeID string) (*Scope, bool) {
	return r.scopes.Peek(scopeID)
}

// Release closes and forgets the scope.
func (r *Registry) Release(scopeID string) {
	r.scopes.Remove(scopeID)
}

// Len returns the number of live scopes.
func (r *Registry) Len() int {
	return r.scopes.Len()
}

// Close tears down every scope.
func (r *Registry) Close() {
	r.scopes.Purge()
}

func (r *Registry) evicted(scopeID string, scope *Scope) {
	if scope == nil || scope.Store == nil {
		return
	}
	scope.Store.Close()
	r.logger.Debug("session scope closed", slog.String("scope", scopeID))
}
