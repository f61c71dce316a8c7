package e2e

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unicore-erp/unicore/internal/app"
	"github.com/unicore-erp/unicore/internal/auth"
	"github.com/unicore-erp/unicore/internal/authz"
	"github.com/unicore-erp/unicore/internal/guard"
	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/observability"
	"github.com/unicore-erp/unicore/internal/portal"
	"github.com/unicore-erp/unicore/internal/provider"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/session/sessiontest"
	"github.com/unicore-erp/unicore/internal/setup"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
	_ "github.com/unicore-erp/unicore/testing"
)

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

type portalEnv struct {
	server   *httptest.Server
	api      *provider.MemoryAPI
	profiles *sessiontest.Profiles
	registry *session.Registry
}

func newPortal(t *testing.T) *portalEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &app.Config{AppEnv: "test", AppRequestTimeout: 10 * time.Second}
	catalog := navigation.Default()
	table := rbac.DefaultTable()
	metrics := observability.NewMetrics()

	api := provider.NewMemoryAPI("")
	bus := provider.NewRedisBus(client, "", nil)
	t.Cleanup(func() { _ = bus.Close() })
	credentials := provider.NewService(api, provider.NewRedisTokenStore(client, time.Hour), bus, nil)
	profiles := sessiontest.NewProfiles()
	routes := session.Routes{Dashboard: catalog.Root(), SignIn: "/auth/login"}
	registry := session.NewRegistry(func(scopeID string) (session.Options, error) {
		return session.Options{Provider: credentials.ForScope(scopeID), Profiles: profiles, Routes: routes}, nil
	}, 64, time.Minute, nil)
	t.Cleanup(registry.Close)

	sessions := shared.NewSessionManager(client, "unicore_session", "e2e-session-secret", time.Hour, false)
	csrf := shared.NewCSRFManager("e2e-secret")
	facade := authz.NewFacade(table, catalog)
	templates, err := view.NewEngine(facade.TemplateFuncs())
	require.NoError(t, err)

	portalHandler := portal.NewHandler(nil, templates, csrf, facade, navigation.NewResolver(catalog))
	authzMiddleware := authz.Middleware{Facade: facade, Decisions: metrics.AuthzDecisions()}
	router := app.NewRouter(app.RouterParams{
		Config:         cfg,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionManager: sessions,
		CSRFManager:    csrf,
		Registry:       registry,
		Catalog:        catalog,
		Guard: guard.Middleware{
			Routes:    guard.Routes{SignIn: routes.SignIn, Unauthorized: "/unauthorized"},
			WaitFor:   2 * time.Second,
			Waiting:   portalHandler.Waiting(),
			Decisions: metrics.GuardDecisions(),
		},
		AuthHandler: auth.NewHandler(auth.Config{
			Templates: templates,
			Sessions:  sessions,
			CSRF:      csrf,
			Provider:  credentials,
			Registry:  registry,
			Profiles:  profiles,
			BaseURL:   "http://portal.test",
			Routes:    routes,
		}),
		PortalHandler: portalHandler,
		SetupHandler:  setup.NewHandler(nil, templates, portalHandler.Page, table, profiles, authzMiddleware),
		Metrics:       metrics,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &portalEnv{server: server, api: api, profiles: profiles, registry: registry}
}

// seed registers a provider account with a profile holding role.
func (e *portalEnv) seed(t *testing.T, email string, role rbac.Role) session.ProviderUser {
	t.Helper()
	user, err := e.api.Seed(email, "campus-pass", map[string]any{"full_name": email})
	require.NoError(t, err)
	require.NoError(t, e.profiles.InsertProfile(context.Background(), sessiontest.Profile(user.ID, email, role)))
	return user
}

type browser struct {
	t      *testing.T
	base   string
	client *http.Client
}

func (e *portalEnv) browser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &browser{
		t:    t,
		base: e.server.URL,
		client: &http.Client{
			Jar:     jar,
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) get(path string) (*http.Response, string) {
	b.t.Helper()
	res, err := b.client.Get(b.base + path)
	require.NoError(b.t, err)
	return res, readBody(b.t, res)
}

func (b *browser) post(path string, form url.Values) (*http.Response, string) {
	b.t.Helper()
	res, err := b.client.PostForm(b.base+path, form)
	require.NoError(b.t, err)
	return res, readBody(b.t, res)
}

// csrf loads path and returns the token from its first form.
func (b *browser) csrf(path string) string {
	b.t.Helper()
	res, body := b.get(path)
	require.Equal(b.t, http.StatusOK, res.StatusCode, body)
	match := csrfPattern.FindStringSubmatch(body)
	require.Len(b.t, match, 2, "no csrf token on %s", path)
	return match[1]
}

func (b *browser) login(email string) {
	b.t.Helper()
	token := b.csrf("/auth/login")
	res, body := b.post("/auth/login", url.Values{
		"email":              {email},
		"password":           {"campus-pass"},
		shared.CSRFFormField: {token},
	})
	require.Equal(b.t, http.StatusSeeOther, res.StatusCode, body)
	require.Equal(b.t, "/dashboard", res.Header.Get("Location"))
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

func TestAnonymousVisitorIsSentToSignIn(t *testing.T) {
	env := newPortal(t)
	b := env.browser(t)

	res, _ := b.get("/dashboard")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/auth/login", res.Header.Get("Location"))

	res, _ = b.get("/dashboard/academic")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/auth/login", res.Header.Get("Location"))

	res, body := b.get("/auth/login")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `action="/auth/login"`)
}

func TestCookielessRequestsHoldNoScope(t *testing.T) {
	env := newPortal(t)
	client := &http.Client{
		Timeout:       5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	for i := 0; i < 50; i++ {
		res, err := client.Get(env.server.URL + "/auth/login")
		require.NoError(t, err)
		readBody(t, res)
		require.Equal(t, http.StatusOK, res.StatusCode)
	}
	assert.Zero(t, env.registry.Len())

	env.seed(t, "ada@campus.test", rbac.RoleStudent)
	b := env.browser(t)
	b.login("ada@campus.test")
	assert.Equal(t, 1, env.registry.Len())
}

func TestStudentSignsInAndBrowsesModules(t *testing.T) {
	env := newPortal(t)
	env.seed(t, "ada@campus.test", rbac.RoleStudent)
	b := env.browser(t)

	b.login("ada@campus.test")

	res, body := b.get("/dashboard")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Academic")
	assert.Contains(t, body, "Welcome back")

	res, body = b.get("/dashboard/academic/programmes")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Programmes")
	assert.Contains(t, body, "Catalogue")

	res, _ = b.get("/dashboard/finance")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/unauthorized", res.Header.Get("Location"))

	res, _ = b.get("/unauthorized")
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = b.get("/dashboard/setup/roles/matrix")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/unauthorized", res.Header.Get("Location"))
}

func TestSessionAndNavigationAPI(t *testing.T) {
	env := newPortal(t)
	user := env.seed(t, "grace@campus.test", rbac.RoleFaculty)
	b := env.browser(t)

	res, body := b.get("/api/session")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var anon map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &anon))
	assert.Nil(t, anon["identity"])

	b.login("grace@campus.test")

	res, body = b.get("/api/session")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var signedIn struct {
		State    string `json:"state"`
		Identity struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"identity"`
		Modules []string `json:"modules"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &signedIn))
	assert.Equal(t, "authenticated", signedIn.State)
	assert.Equal(t, user.ID, signedIn.Identity.ID)
	assert.Equal(t, string(rbac.RoleFaculty), signedIn.Identity.Role)
	assert.Contains(t, signedIn.Modules, navigation.ModuleAcademic)

	res, body = b.get("/api/navigation?path=" + url.QueryEscape("/dashboard/finance/billing/invoices"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var nav map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &nav))
	assert.Equal(t, navigation.ModuleFinance, nav["active_module"])
	assert.Equal(t, true, nav["has_sub_menu"])

	res, _ = b.get("/api/navigation")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPostWithoutCSRFTokenIsRejected(t *testing.T) {
	env := newPortal(t)
	env.seed(t, "ada@campus.test", rbac.RoleStudent)
	b := env.browser(t)
	b.get("/auth/login")

	res, _ := b.post("/auth/login", url.Values{"email": {"ada@campus.test"}, "password": {"campus-pass"}})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = b.get("/dashboard")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/auth/login", res.Header.Get("Location"))
}

func TestLogoutEndsTheSession(t *testing.T) {
	env := newPortal(t)
	env.seed(t, "ada@campus.test", rbac.RoleStudent)
	b := env.browser(t)
	b.login("ada@campus.test")

	token := b.csrf("/dashboard")
	res, _ := b.post("/auth/logout", url.Values{shared.CSRFFormField: {token}})
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/auth/login", res.Header.Get("Location"))

	res, _ = b.get("/dashboard")
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/auth/login", res.Header.Get("Location"))
}

func TestAdministratorAssignsRoles(t *testing.T) {
	env := newPortal(t)
	env.seed(t, "root@campus.test", rbac.RoleAdministrator)
	student := env.seed(t, "ada@campus.test", rbac.RoleStudent)
	admin := env.browser(t)
	admin.login("root@campus.test")

	res, body := admin.get("/dashboard/setup/roles/matrix")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "Finance Officer")

	res, body = admin.get("/dashboard/finance")
	require.Equal(t, http.StatusOK, res.StatusCode, "administrators pass every module guard")
	assert.Contains(t, body, "Billing")

	token := admin.csrf("/dashboard/setup/users")
	res, _ = admin.post("/dashboard/setup/users", url.Values{
		"user_id":            {student.ID},
		"role":               {string(rbac.RoleFaculty)},
		shared.CSRFFormField: {token},
	})
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, "/dashboard/setup/users", res.Header.Get("Location"))

	profile, err := env.profiles.FindProfile(context.Background(), student.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleFaculty, profile.Role)

	res, body = admin.post("/dashboard/setup/users", url.Values{
		"user_id":            {"missing"},
		"role":               {string(rbac.RoleStaff)},
		shared.CSRFFormField: {token},
	})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.True(t, strings.Contains(body, "No profile exists"), body)
}
