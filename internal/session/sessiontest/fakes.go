// Package sessiontest provides in-memory collaborators for tests that need
// a started session.Store.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
)

// Provider is a scriptable session.CredentialProvider.
type Provider struct {
	mu        sync.Mutex
	current   *session.Credential
	listeners map[int]func(session.Event)
	next      int
	SignOuts  int
}

// NewProvider returns a Provider whose current session is cred.
func NewProvider(cred *session.Credential) *Provider {
	return &Provider{current: cred, listeners: make(map[int]func(session.Event))}
}

func (p *Provider) CurrentSession(ctx context.Context) (*session.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*session.Credential, error) {
	return nil, errors.New("sessiontest: password sign-in not scripted")
}

func (p *Provider) SignInWithMagicLink(ctx context.Context, email, redirectTo string) error {
	return nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]any) (*session.ProviderUser, error) {
	return nil, errors.New("sessiontest: sign-up not scripted")
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.SignOuts++
	p.mu.Unlock()
	p.Emit(session.Event{Kind: session.EventSignedOut})
	return nil
}

func (p *Provider) Subscribe(fn func(session.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// Set replaces the current session without emitting an event.
func (p *Provider) Set(cred *session.Credential) {
	p.mu.Lock()
	p.current = cred
	p.mu.Unlock()
}

// Emit delivers ev to every subscriber.
func (p *Provider) Emit(ev session.Event) {
	p.mu.Lock()
	fns := make([]func(session.Event), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Profiles is a map-backed session.ProfileStore.
type Profiles struct {
	mu      sync.Mutex
	records map[string]session.Profile
}

// NewProfiles seeds a Profiles store.
func NewProfiles(records ...session.Profile) *Profiles {
	p := &Profiles{records: make(map[string]session.Profile)}
	for _, rec := range records {
		p.records[rec.ID] = rec
	}
	return p
}

func (p *Profiles) FindProfile(ctx context.Context, id string) (session.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return session.Profile{}, session.ErrProfileNotFound
	}
	return rec, nil
}

func (p *Profiles) InsertProfile(ctx context.Context, profile session.Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[profile.ID] = profile
	return nil
}

// UpdateRole changes the role of a stored profile.
func (p *Profiles) UpdateRole(ctx context.Context, id string, role rbac.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return session.ErrProfileNotFound
	}
	rec.Role = role
	p.records[id] = rec
	return nil
}

// Credential builds a live credential for a user id.
func Credential(userID, email string) *session.Credential {
	return &session.Credential{
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         session.ProviderUser{ID: userID, Email: email},
	}
}

// Profile builds an active profile for a user id.
func Profile(userID, email string, role rbac.Role) session.Profile {
	return session.Profile{ID: userID, Email: email, FullName: email, Role: role, Status: rbac.StatusActive}
}

// Store starts a store for a user holding role and waits for it to resolve.
// An empty role yields an unauthenticated store.
func Store(t testing.TB, role rbac.Role) *session.Store {
	t.Helper()
	var provider *Provider
	profiles := NewProfiles()
	if role == "" {
		provider = NewProvider(nil)
	} else {
		provider = NewProvider(Credential("u-"+string(role), string(role)+"@campus.test"))
		_ = profiles.InsertProfile(context.Background(), Profile("u-"+string(role), string(role)+"@campus.test", role))
	}
	store := session.NewStore(session.Options{Provider: provider, Profiles: profiles})
	store.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := store.Wait(ctx); err != nil {
		t.Fatalf("sessiontest: store did not resolve: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}
