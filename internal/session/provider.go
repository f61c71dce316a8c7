package session

import (
	"context"
	"errors"
)

// ErrProfileNotFound is returned by ProfileStore when no record exists.
var ErrProfileNotFound = errors.New("session: profile not found")

// EventKind names a credential state change.
type EventKind string

// Credential state changes pushed by the provider.
const (
	EventSignedIn  EventKind = "signed-in"
	EventSignedOut EventKind = "signed-out"
)

// Event is a provider notification. Session is nil for EventSignedOut.
type Event struct {
	Kind    EventKind   `json:"event"`
	Session *Credential `json:"session,omitempty"`
}

// CredentialProvider is the external authentication service bound to one
// browser scope.
type CredentialProvider interface {
	CurrentSession(ctx context.Context) (*Credential, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Credential, error)
	SignInWithMagicLink(ctx context.Context, email, redirectTo string) error
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*ProviderUser, error)
	SignOut(ctx context.Context) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// ProfileStore is the external profile persistence.
type ProfileStore interface {
	FindProfile(ctx context.Context, id string) (Profile, error)
	InsertProfile(ctx context.Context, p Profile) error
}

// Navigator performs the redirect side effect that follows a state change.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(target string)

// Navigate calls f(target).
func (f NavigatorFunc) Navigate(target string) {
	f(target)
}
