package session

import (
	"context"
	"sync"
)

// RedirectQueue is a Navigator that parks the latest target until the next
// request for the scope consumes it.
type RedirectQueue struct {
	mu      sync.Mutex
	pending string
	signal  chan struct{}
}

// Navigate records target, replacing any earlier pending redirect.
func (q *RedirectQueue) Navigate(target string) {
	q.mu.Lock()
	q.pending = target
	if q.signal != nil {
		close(q.signal)
		q.signal = nil
	}
	q.mu.Unlock()
}

// Await blocks until a redirect is pending, then takes it. It returns false
// when ctx ends first.
func (q *RedirectQueue) Await(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if q.pending != "" {
			target := q.pending
			q.pending = ""
			q.mu.Unlock()
			return target, true
		}
		if q.signal == nil {
			q.signal = make(chan struct{})
		}
		ch := q.signal
		q.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", false
		}
	}
}

// Take returns and clears the pending redirect.
func (q *RedirectQueue) Take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	target := q.pending
	q.pending = ""
	return target, target != ""
}

type storeContextKey struct{}

// ContextWithStore stores the scope's Store in ctx.
func ContextWithStore(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, storeContextKey{}, s)
}

// StoreFromContext extracts the Store placed by ContextWithStore.
func StoreFromContext(ctx context.Context) *Store {
	s, _ := ctx.Value(storeContextKey{}).(*Store)
	return s
}

// IdentityFromContext returns the current identity of the scope store, or
// nil when the request carries no store or the store is not authenticated.
func IdentityFromContext(ctx context.Context) *Identity {
	s := StoreFromContext(ctx)
	if s == nil {
		return nil
	}
	return s.Snapshot().Identity
}
