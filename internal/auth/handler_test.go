package auth_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-erp/unicore/internal/auth"
	"github.com/unicore-erp/unicore/internal/provider"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
	_ "github.com/unicore-erp/unicore/testing"
)

type profileRecorder struct {
	mu       sync.Mutex
	err      error
	records  map[string]session.Profile
	attempts int
}

func (p *profileRecorder) FindProfile(ctx context.Context, id string) (session.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[id]
	if !ok {
		return session.Profile{}, session.ErrProfileNotFound
	}
	return rec, nil
}

func (p *profileRecorder) InsertProfile(ctx context.Context, profile session.Profile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.err != nil {
		return p.err
	}
	p.records[profile.ID] = profile
	return nil
}

type queueRecorder struct {
	queued []session.Profile
}

func (q *queueRecorder) EnqueueProfileProvision(ctx context.Context, p session.Profile) error {
	q.queued = append(q.queued, p)
	return nil
}

type harness struct {
	t        *testing.T
	redis    *redis.Client
	api      *provider.MemoryAPI
	sessions *shared.SessionManager
	registry *session.Registry
	profiles *profileRecorder
	queue    *queueRecorder
	router   chi.Router
	cookie   *http.Cookie
	scope    string
}

// outageAPI answers password grants the way GoTrue does while it is down.
type outageAPI struct {
	*provider.MemoryAPI
}

func (outageAPI) PasswordGrant(ctx context.Context, email, password string) (*session.Credential, error) {
	return nil, fmt.Errorf("%w: 503 Service Unavailable", provider.ErrUnavailable)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, wrap func(*provider.MemoryAPI) provider.API) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	api := provider.NewMemoryAPI("")
	var credentials provider.API = api
	if wrap != nil {
		credentials = wrap(api)
	}
	svc := provider.NewService(credentials, provider.NewRedisTokenStore(client, time.Hour), nil, nil)
	profiles := &profileRecorder{records: make(map[string]session.Profile)}
	routes := session.Routes{Dashboard: "/dashboard", SignIn: "/auth/login"}
	registry := session.NewRegistry(func(scopeID string) (session.Options, error) {
		return session.Options{Provider: svc.ForScope(scopeID), Profiles: profiles, Routes: routes}, nil
	}, 16, time.Minute, nil)
	t.Cleanup(registry.Close)

	templates, err := view.NewEngine()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		redis:    client,
		api:      api,
		sessions: shared.NewSessionManager(client, "test_session", "test-secret", time.Hour, false),
		registry: registry,
		profiles: profiles,
		queue:    &queueRecorder{},
	}
	handler := auth.NewHandler(auth.Config{
		Templates: templates,
		Sessions:  h.sessions,
		CSRF:      shared.NewCSRFManager("csrfsecret"),
		Provider:  svc,
		Registry:  registry,
		Profiles:  profiles,
		Queue:     h.queue,
		BaseURL:   "http://portal.test/",
		Routes:    routes,
	})
	r := chi.NewRouter()
	r.Route("/auth", handler.MountRoutes)
	h.router = r
	return h
}

// do runs req through the handler the way the portal middleware does: cookie
// session, scope store in context, commit afterwards.
func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	h.t.Helper()
	if h.cookie != nil {
		req.AddCookie(h.cookie)
	}
	ctx := req.Context()
	sess, err := h.sessions.Load(ctx, req)
	require.NoError(h.t, err)
	h.scope = sess.ID
	scope, err := h.registry.Acquire(ctx, sess.ID)
	require.NoError(h.t, err)
	ctx = shared.ContextWithSession(ctx, sess)
	ctx = session.ContextWithStore(ctx, scope.Store)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req.WithContext(ctx))

	commit := httptest.NewRecorder()
	require.NoError(h.t, h.sessions.Commit(ctx, commit, sess))
	for _, c := range commit.Result().Cookies() {
		if c.MaxAge < 0 {
			h.cookie = nil
			continue
		}
		h.cookie = &http.Cookie{Name: c.Name, Value: c.Value}
	}
	return rec
}

func (h *harness) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (h *harness) snapshot() session.Snapshot {
	scope, ok := h.registry.Peek(h.scope)
	require.True(h.t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := scope.Store.Wait(ctx)
	require.NoError(h.t, err)
	return snap
}

func TestLoginPage(t *testing.T) {
	h := newHarness(t)

	res := h.get("/auth/login")

	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "<form")
	assert.Contains(t, res.Body.String(), `action="/auth/magic-link"`)
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	_, err := h.api.Seed("ada@campus.test", "correct-horse", nil)
	require.NoError(t, err)

	res := h.post("/auth/login", url.Values{"email": {"ada@campus.test"}, "password": {"wrong"}})

	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Invalid login credentials")
	assert.Equal(t, session.StateUnauthenticated, h.snapshot().State)
}

func TestLoginDuringOutageShowsUnavailable(t *testing.T) {
	h := newHarnessWith(t, func(api *provider.MemoryAPI) provider.API { return outageAPI{api} })

	res := h.post("/auth/login", url.Values{"email": {"ada@campus.test"}, "password": {"correct-horse"}})

	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "The sign-in service is unavailable, please try again later")
	assert.NotContains(t, res.Body.String(), "503")
}

func TestLoginValidation(t *testing.T) {
	h := newHarness(t)

	res := h.post("/auth/login", url.Values{"email": {"not-an-email"}})

	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Enter a valid email address")
	assert.Contains(t, res.Body.String(), "This field is required")
}

func TestLoginSuccessResolvesStore(t *testing.T) {
	h := newHarness(t)
	user, err := h.api.Seed("ada@campus.test", "correct-horse", map[string]any{"full_name": "Ada Lovelace"})
	require.NoError(t, err)

	res := h.post("/auth/login", url.Values{"email": {"ada@campus.test"}, "password": {"correct-horse"}})

	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/dashboard", res.Header().Get("Location"))
	snap := h.snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, user.ID, snap.Identity.ID)
	assert.Equal(t, "Ada Lovelace", snap.Identity.DisplayName)

	scope, ok := h.registry.Peek(h.scope)
	require.True(t, ok)
	_, pending := scope.Redirects.Take()
	assert.False(t, pending, "sign-in navigation is consumed by the login response")

	n, err := h.redis.Exists(context.Background(), "auth:credential:"+h.scope).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again := h.get("/auth/login")
	assert.Equal(t, http.StatusSeeOther, again.Code)
	assert.Equal(t, "/dashboard", again.Header().Get("Location"))
}

func TestMagicLinkRoundTrip(t *testing.T) {
	h := newHarness(t)
	_, err := h.api.Seed("grace@campus.test", "hopper-1906", nil)
	require.NoError(t, err)

	res := h.post("/auth/magic-link", url.Values{"email": {"grace@campus.test"}})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth/login", res.Header().Get("Location"))

	link, ok := h.api.LastMagicLink("grace@campus.test")
	require.True(t, ok)
	parsed, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "portal.test", parsed.Host)
	assert.Equal(t, "/auth/callback", parsed.Path)

	res = h.get(parsed.RequestURI())
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/dashboard", res.Header().Get("Location"))
	assert.Equal(t, session.StateAuthenticated, h.snapshot().State)
}

func TestCallbackRejectsBadLinks(t *testing.T) {
	h := newHarness(t)

	res := h.get("/auth/callback")
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "This sign-in link is not valid")

	res = h.get("/auth/callback?token_hash=unknown&type=magiclink")
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Email link is invalid or has expired")
}

func registration() url.Values {
	return url.Values{
		"full_name":  {"Katherine Johnson"},
		"email":      {"katherine@campus.test"},
		"student_id": {"S-1918"},
		"password":   {"orbital"},
		"confirm":    {"orbital"},
	}
}

func TestRegisterCreatesStudentProfile(t *testing.T) {
	h := newHarness(t)

	res := h.post("/auth/register", registration())

	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/dashboard", res.Header().Get("Location"))
	snap := h.snapshot()
	require.Equal(t, session.StateAuthenticated, snap.State)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, rbac.RoleStudent, snap.Identity.Role)
	assert.Equal(t, "S-1918", snap.Identity.StudentID)
	assert.Equal(t, "Katherine Johnson", snap.Identity.DisplayName)
	assert.Empty(t, h.queue.queued)
}

func TestRegisterQueuesProfileWhenInsertFails(t *testing.T) {
	h := newHarness(t)
	h.profiles.err = errors.New("connection refused")

	res := h.post("/auth/register", registration())

	require.Equal(t, http.StatusSeeOther, res.Code)
	require.Len(t, h.queue.queued, 1)
	assert.Equal(t, rbac.RoleStudent, h.queue.queued[0].Role)
	assert.Equal(t, "katherine@campus.test", h.queue.queued[0].Email)
	snap := h.snapshot()
	require.NotNil(t, snap.Identity)
	assert.Empty(t, snap.Identity.Role)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	form := registration()
	form.Set("confirm", "different")

	res := h.post("/auth/register", form)

	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Passwords do not match")
	assert.Zero(t, h.profiles.attempts)
}

func TestRegisterDuplicateAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.api.Seed("katherine@campus.test", "orbital", nil)
	require.NoError(t, err)

	res := h.post("/auth/register", registration())

	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "User already registered")
}

func TestLogoutReleasesScope(t *testing.T) {
	h := newHarness(t)
	_, err := h.api.Seed("ada@campus.test", "correct-horse", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSeeOther, h.post("/auth/login", url.Values{"email": {"ada@campus.test"}, "password": {"correct-horse"}}).Code)
	scope := h.scope

	res := h.post("/auth/logout", nil)

	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth/login", res.Header().Get("Location"))
	_, ok := h.registry.Peek(scope)
	assert.False(t, ok)
	assert.Nil(t, h.cookie)
	n, err := h.redis.Exists(context.Background(), "auth:credential:"+scope).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
