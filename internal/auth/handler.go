package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unicore-erp/unicore/internal/profiles"
	"github.com/unicore-erp/unicore/internal/provider"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
)

// ProfileWriter persists the profile created at registration.
type ProfileWriter interface {
	InsertProfile(ctx context.Context, p session.Profile) error
}

// ProvisionQueue retries a profile insert in the background.
type ProvisionQueue interface {
	EnqueueProfileProvision(ctx context.Context, p session.Profile) error
}

// Config groups the dependencies of Handler.
type Config struct {
	Logger    *slog.Logger
	Templates *view.Engine
	Sessions  *shared.SessionManager
	CSRF      *shared.CSRFManager
	Provider  *provider.Service
	Registry  *session.Registry
	Profiles  ProfileWriter
	Queue     ProvisionQueue
	// BaseURL is the public origin used to build magic-link callbacks.
	BaseURL string
	Routes  session.Routes
	// SettleTimeout bounds how long a sign-in response waits for the scope
	// store to act on the resulting event. Defaults to 2s.
	SettleTimeout time.Duration
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	sessions  *shared.SessionManager
	csrf      *shared.CSRFManager
	provider  *provider.Service
	registry  *session.Registry
	profiles  ProfileWriter
	queue     ProvisionQueue
	baseURL   string
	routes    session.Routes
	settle    time.Duration
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	routes := cfg.Routes
	if routes.Dashboard == "" {
		routes.Dashboard = "/dashboard"
	}
	if routes.SignIn == "" {
		routes.SignIn = "/auth/login"
	}
	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &Handler{
		settle:    settle,
		logger:    logger,
		templates: cfg.Templates,
		sessions:  cfg.Sessions,
		csrf:      cfg.CSRF,
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		profiles:  cfg.Profiles,
		queue:     cfg.Queue,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		routes:    routes,
		validator: validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/magic-link", h.handleMagicLink)
	r.Get("/callback", h.handleCallback)
	r.Get("/register", h.showRegister)
	r.Post("/register", h.handleRegister)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
}

type registerForm struct {
	FullName  string `validate:"required,max=120"`
	Email     string `validate:"required,email"`
	StudentID string `validate:"omitempty,max=32"`
	Password  string `validate:"required,min=6"`
	Confirm   string `validate:"required,eqfield=Password"`
}

type registerPageData struct {
	Form   registerForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	if h.authenticated(r) {
		http.Redirect(w, r, h.routes.Dashboard, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "pages/login.html", "Sign in", loginPageData{})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		client, ok := h.client(r)
		queue := h.redirects(r)
		if !ok {
			errs["general"] = msgSessionMissing
		} else if _, err := client.SignInWithPassword(r.Context(), form.Email, form.Password); err != nil {
			errs["general"] = h.credentialMessage(err, "sign in")
		} else {
			target, _ := h.settleSignIn(r, client, queue)
			h.flash(r, "success", "Welcome back")
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
	}
	form.Password = ""
	h.render(w, r, http.StatusBadRequest, "pages/login.html", "Sign in", loginPageData{Form: form, Errors: errs})
}

func (h *Handler) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := loginForm{Email: strings.TrimSpace(r.PostFormValue("email"))}
	errs := make(map[string]string)
	if err := h.validator.Var(form.Email, "required,email"); err != nil {
		errs["Email"] = "Enter a valid email address"
	}
	if len(errs) == 0 {
		client, ok := h.client(r)
		if !ok {
			errs["general"] = msgSessionMissing
		} else if err := client.SignInWithMagicLink(r.Context(), form.Email, h.baseURL+"/auth/callback"); err != nil {
			errs["general"] = h.credentialMessage(err, "magic link")
		} else {
			h.flash(r, "info", "Check your inbox for a sign-in link")
			http.Redirect(w, r, h.routes.SignIn, http.StatusSeeOther)
			return
		}
	}
	h.render(w, r, http.StatusBadRequest, "pages/login.html", "Sign in", loginPageData{Form: form, Errors: errs})
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	tokenHash := query.Get("token_hash")
	kind := query.Get("type")
	errs := make(map[string]string)
	switch {
	case tokenHash == "" || (kind != "" && kind != "magiclink"):
		errs["general"] = "This sign-in link is not valid"
	default:
		client, ok := h.client(r)
		if !ok {
			errs["general"] = msgSessionMissing
			break
		}
		queue := h.redirects(r)
		if _, err := client.CompleteMagicLink(r.Context(), tokenHash); err != nil {
			errs["general"] = h.credentialMessage(err, "magic link callback")
			break
		}
		target, _ := h.settleSignIn(r, client, queue)
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusBadRequest, "pages/login.html", "Sign in", loginPageData{Errors: errs})
}

func (h *Handler) showRegister(w http.ResponseWriter, r *http.Request) {
	if h.authenticated(r) {
		http.Redirect(w, r, h.routes.Dashboard, http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "pages/register.html", "Register", registerPageData{})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := registerForm{
		FullName:  strings.TrimSpace(r.PostFormValue("full_name")),
		Email:     strings.TrimSpace(r.PostFormValue("email")),
		StudentID: strings.TrimSpace(r.PostFormValue("student_id")),
		Password:  r.PostFormValue("password"),
		Confirm:   r.PostFormValue("confirm"),
	}
	errs := h.validate(form)
	if len(errs) == 0 {
		client, ok := h.client(r)
		queue := h.redirects(r)
		if !ok {
			errs["general"] = msgSessionMissing
		} else if user, err := client.SignUp(r.Context(), form.Email, form.Password, map[string]any{"full_name": form.FullName}); err != nil {
			errs["general"] = h.credentialMessage(err, "sign up")
		} else {
			h.provision(r.Context(), session.Profile{
				ID:        user.ID,
				Email:     form.Email,
				FullName:  form.FullName,
				Role:      rbac.RoleStudent,
				Status:    rbac.StatusActive,
				StudentID: form.StudentID,
			})
			if target, ok := h.settleSignIn(r, client, queue); ok {
				h.flash(r, "success", "Your account is ready")
				http.Redirect(w, r, target, http.StatusSeeOther)
				return
			}
			h.flash(r, "info", "Check your email to confirm the account, then sign in")
			http.Redirect(w, r, h.routes.SignIn, http.StatusSeeOther)
			return
		}
	}
	form.Password, form.Confirm = "", ""
	h.render(w, r, http.StatusBadRequest, "pages/register.html", "Register", registerPageData{Form: form, Errors: errs})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		client := h.provider.ForScope(sess.ID)
		if err := client.SignOut(r.Context()); err != nil {
			h.logger.Warn("sign out", slog.Any("error", err))
		}
		h.refresh(r)
		if h.registry != nil {
			h.registry.Release(sess.ID)
		}
		h.sessions.Destroy(sess)
	}
	http.Redirect(w, r, h.routes.SignIn, http.StatusSeeOther)
}

// provision inserts the profile, queueing a retry when the database is
// unavailable. An existing profile is left as is.
func (h *Handler) provision(ctx context.Context, p session.Profile) {
	if h.profiles == nil {
		return
	}
	err := h.profiles.InsertProfile(ctx, p)
	if err == nil || errors.Is(err, profiles.ErrDuplicate) {
		return
	}
	h.logger.Warn("insert profile", slog.String("user_id", p.ID), slog.Any("error", err))
	if h.queue == nil {
		return
	}
	if err := h.queue.EnqueueProfileProvision(ctx, p); err != nil {
		h.logger.Error("enqueue profile provision", slog.String("user_id", p.ID), slog.Any("error", err))
	}
}

func (h *Handler) client(r *http.Request) (*provider.Client, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || h.provider == nil {
		h.logger.Error("session missing during auth request", slog.String("path", r.URL.Path))
		return nil, false
	}
	return h.provider.ForScope(sess.ID), true
}

// redirects clears and returns the scope's redirect queue ahead of a
// credential change, so only navigations caused by that change remain.
func (h *Handler) redirects(r *http.Request) *session.RedirectQueue {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || h.registry == nil {
		return nil
	}
	scope, ok := h.registry.Peek(sess.ID)
	if !ok {
		return nil
	}
	scope.Redirects.Take()
	return scope.Redirects
}

// settleSignIn consumes the navigation the scope store issues once it has
// applied the sign-in event, so the response follows it and the event never
// bounces a later page. Without an event in time it refreshes the store
// instead. The boolean reports whether the scope ended up authenticated.
func (h *Handler) settleSignIn(r *http.Request, client *provider.Client, queue *session.RedirectQueue) (string, bool) {
	if queue != nil {
		if cred, err := client.CurrentSession(r.Context()); err == nil && cred != nil {
			ctx, cancel := context.WithTimeout(r.Context(), h.settle)
			target, ok := queue.Await(ctx)
			cancel()
			if ok && h.authenticated(r) {
				return target, true
			}
		}
	}
	if session.StoreFromContext(r.Context()) == nil {
		// No scope yet; the next request creates one from the stored credential.
		if cred, err := client.CurrentSession(r.Context()); err == nil && cred != nil {
			return h.routes.Dashboard, true
		}
		return h.routes.SignIn, false
	}
	if snap := h.refresh(r); snap.State != session.StateAuthenticated {
		return h.routes.SignIn, false
	}
	return h.routes.Dashboard, true
}

// refresh re-resolves the scope store so the next page sees the new
// credential state without waiting for the event.
func (h *Handler) refresh(r *http.Request) session.Snapshot {
	store := session.StoreFromContext(r.Context())
	if store == nil {
		return session.Snapshot{}
	}
	return store.Refresh(r.Context())
}

func (h *Handler) authenticated(r *http.Request) bool {
	store := session.StoreFromContext(r.Context())
	return store != nil && store.Snapshot().State == session.StateAuthenticated
}

func (h *Handler) flash(r *http.Request, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
}

const (
	msgSessionMissing = "Your browser session has expired, reload the page and try again"
	msgUnavailable    = "The sign-in service is unavailable, please try again later"
)

func (h *Handler) credentialMessage(err error, op string) string {
	var credErr *provider.CredentialError
	if errors.As(err, &credErr) && credErr.Message != "" {
		return credErr.Message
	}
	h.logger.Error("auth "+op, slog.Any("error", err))
	return msgUnavailable
}

func (h *Handler) validate(form any) map[string]string {
	errs := make(map[string]string)
	err := h.validator.Struct(form)
	if err == nil {
		return errs
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs["general"] = err.Error()
		return errs
	}
	for _, fieldErr := range fieldErrs {
		errs[fieldErr.Field()] = fieldMessage(fieldErr)
	}
	return errs
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "min":
		return "Must be at least " + fe.Param() + " characters"
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "eqfield":
		return "Passwords do not match"
	default:
		return fe.Error()
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	viewData := view.Page(r, h.csrf, title)
	viewData.Data = data
	if err := h.templates.RenderStatus(w, status, name, viewData); err != nil {
		h.logger.Error("render "+name, slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
