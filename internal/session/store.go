package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// State is the lifecycle position of a Store.
type State int

// Store states.
const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "uninitialized"
	}
}

// Resolved reports whether the state is authenticated or unauthenticated.
func (s State) Resolved() bool {
	return s == StateAuthenticated || s == StateUnauthenticated
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a read-only copy of the store contents. Generation increases
// every time a resolution is applied.
type Snapshot struct {
	State      State       `json:"state"`
	Identity   *Identity   `json:"identity"`
	Session    *Credential `json:"-"`
	Generation uint64      `json:"generation"`
}

// Routes are the navigation targets used after provider events.
type Routes struct {
	Dashboard string
	SignIn    string
}

// Options configures a Store.
type Options struct {
	Provider  CredentialProvider
	Profiles  ProfileStore
	Navigator Navigator
	Routes    Routes
	Logger    *slog.Logger
}

// ErrClosed is returned by Wait after the store has been closed.
var ErrClosed = errors.New("session: store closed")

// Store holds the single Identity/Credential pair of a scope. It is the only
// writer of that pair; readers get Snapshots.
type Store struct {
	provider  CredentialProvider
	profiles  ProfileStore
	navigator Navigator
	routes    Routes
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	identity    *Identity
	credential  *Credential
	generation  uint64
	issued      uint64
	applied     uint64
	started     bool
	closed      bool
	unsubscribe func()
	ready       chan struct{}
	done        chan struct{}
	watchers    map[int]func(Snapshot)
	nextWatcher int
	inflight    sync.WaitGroup
}

// NewStore constructs an uninitialized Store.
func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider:  opts.Provider,
		profiles:  opts.Profiles,
		navigator: opts.Navigator,
		routes:    opts.Routes,
		logger:    logger,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		watchers:  make(map[int]func(Snapshot)),
	}
}

// Start moves the store to loading, subscribes to provider events and
// launches the initial session fetch. Calling Start twice is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateLoading
	token := s.nextToken()
	s.mu.Unlock()

	if s.provider != nil {
		unsubscribe := s.provider.Subscribe(s.handleEvent)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			unsubscribe()
		} else {
			s.unsubscribe = unsubscribe
			s.mu.Unlock()
		}
	}

	bg := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.apply(token, s.resolveCurrent(bg))
	}()
}

// Refresh re-runs the resolution against the provider's current session and
// returns the resulting snapshot.
func (s *Store) Refresh(ctx context.Context) Snapshot {
	s.mu.Lock()
	token := s.nextToken()
	s.mu.Unlock()
	s.apply(token, s.resolveCurrent(ctx))
	return s.Snapshot()
}

// Snapshot returns a copy of the current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Wait blocks until the store has resolved at least once.
func (s *Store) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.ready:
		return s.Snapshot(), nil
	case <-s.done:
		return s.Snapshot(), ErrClosed
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Watch registers fn to receive every applied snapshot. The returned
// function removes the watcher.
func (s *Store) Watch(fn func(Snapshot)) (cancel func()) {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
}

// Close tears down the provider subscription. Resolutions still in flight
// finish but their results are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.watchers = make(map[int]func(Snapshot))
	close(s.done)
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) handleEvent(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	token := s.nextToken()
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		ctx := context.Background()
		var res resolution
		switch ev.Kind {
		case EventSignedIn:
			res = s.resolveCredential(ctx, ev.Session)
		case EventSignedOut:
			res = resolution{}
		default:
			s.logger.Warn("session ignored provider event", slog.String("event", string(ev.Kind)))
			return
		}
		if s.apply(token, res) {
			s.navigate(ev.Kind)
		}
	}()
}

func (s *Store) navigate(kind EventKind) {
	if s.navigator == nil || s.Closed() {
		return
	}
	switch kind {
	case EventSignedIn:
		if s.routes.Dashboard != "" {
			s.navigator.Navigate(s.routes.Dashboard)
		}
	case EventSignedOut:
		if s.routes.SignIn != "" {
			s.navigator.Navigate(s.routes.SignIn)
		}
	}
}

type resolution struct {
	identity   *Identity
	credential *Credential
}

func (s *Store) resolveCurrent(ctx context.Context) resolution {
	if s.provider == nil {
		return resolution{}
	}
	cred, err := s.provider.CurrentSession(ctx)
	if err != nil {
		s.logger.Warn("session current credential", slog.Any("error", err))
		return resolution{}
	}
	return s.resolveCredential(ctx, cred)
}

func (s *Store) resolveCredential(ctx context.Context, cred *Credential) resolution {
	if cred == nil {
		return resolution{}
	}
	cred = cred.clone()
	identity := BareIdentity(cred.User)
	if s.profiles != nil && cred.User.ID != "" {
		profile, err := s.profiles.FindProfile(ctx, cred.User.ID)
		switch {
		case err == nil:
			identity = MergeIdentity(cred.User, profile)
		case errors.Is(err, ErrProfileNotFound):
			s.logger.Info("session profile missing", slog.String("user_id", cred.User.ID))
		default:
			s.logger.Warn("session profile lookup", slog.String("user_id", cred.User.ID), slog.Any("error", err))
		}
	}
	return resolution{identity: &identity, credential: cred}
}

// apply stores res unless a resolution started later has already been
// applied or the store is closed. It reports whether res was stored.
func (s *Store) apply(token uint64, res resolution) bool {
	s.mu.Lock()
	if s.closed || token < s.applied {
		s.mu.Unlock()
		return false
	}
	s.applied = token
	s.identity = res.identity
	s.credential = res.credential
	if res.identity != nil && res.credential != nil {
		s.state = StateAuthenticated
	} else {
		s.identity, s.credential = nil, nil
		s.state = StateUnauthenticated
	}
	s.generation++
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
	snap := s.snapshotLocked()
	watchers := make([]func(Snapshot), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(snap)
	}
	return true
}

func (s *Store) nextToken() uint64 {
	s.issued++
	return s.issued
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.state, Generation: s.generation}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	snap.Session = s.credential.clone()
	return snap
}
