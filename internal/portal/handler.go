// Package portal serves the authenticated campus shell: dashboard, module
// chrome and the session/navigation JSON endpoints.
package portal

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unicore-erp/unicore/internal/authz"
	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/platform/httpx"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
)

var moduleRoles = map[string][]rbac.Role{
	"academic": {rbac.RoleFaculty, rbac.RoleStudent},
	"finance":  {rbac.RoleFinanceOfficer},
	"hr":       {rbac.RoleHROfficer, rbac.RoleStaff},
	"welfare":  {rbac.RoleStaff, rbac.RoleStudent, rbac.RoleFaculty},
	"library":  {rbac.RoleLibrarian, rbac.RoleFaculty, rbac.RoleStudent},
	"industry": {rbac.RoleFaculty, rbac.RoleStaff, rbac.RoleStudent},
	"setup":    {rbac.RoleAdministrator},
}

// ModuleRoles returns the roles the route guard admits to module. The
// administrator is admitted by the guard regardless. Unknown modules return
// nil, which only requires authentication.
func ModuleRoles(module string) []rbac.Role {
	roles := moduleRoles[module]
	if roles == nil {
		return nil
	}
	out := make([]rbac.Role, len(roles))
	copy(out, roles)
	return out
}

// Handler renders portal pages.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	facade    *authz.Facade
	resolver  *navigation.Resolver
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, facade *authz.Facade, resolver *navigation.Resolver) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, templates: templates, csrf: csrf, facade: facade, resolver: resolver}
}

// MountRoutes registers the unguarded portal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/unauthorized", h.unauthorized)
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.apiSession)
		r.Get("/navigation", h.apiNavigation)
	})
}

// MountModule registers the chrome pages of a module below its route.
// Callers wrap r with the module guard.
func (h *Handler) MountModule(r chi.Router) {
	r.Get("/", h.module)
	r.Get("/*", h.module)
}

// Dashboard renders the module cards.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/dashboard.html", h.Page(r, "Dashboard"))
}

// Waiting renders the placeholder served while the scope session resolves.
func (h *Handler) Waiting() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := view.TemplateData{Title: "Loading", CurrentPath: r.URL.Path}
		h.render(w, r, http.StatusAccepted, "pages/waiting.html", data)
	})
}

// Page builds template data with the portal chrome for the request path.
func (h *Handler) Page(r *http.Request, title string) view.TemplateData {
	data := view.Page(r, h.csrf, title)
	data.Modules = h.facade.VisibleModules(data.Identity)
	data.Nav = h.resolver.State(r.URL.Path)
	return data
}

type modulePage struct {
	Module   navigation.Module
	Sections []navigation.Section
}

func (h *Handler) module(w http.ResponseWriter, r *http.Request) {
	nav := h.resolver.State(r.URL.Path)
	mod, ok := h.resolver.Catalog().Module(nav.ActiveModule)
	if !ok {
		http.NotFound(w, r)
		return
	}
	sections, _ := h.resolver.SubMenu(mod.Key)
	data := h.Page(r, mod.Label)
	data.Data = modulePage{Module: mod, Sections: sections}
	h.render(w, r, http.StatusOK, "pages/module.html", data)
}

func (h *Handler) unauthorized(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusForbidden, "pages/unauthorized.html", h.Page(r, "Access denied"))
}

type sessionResponse struct {
	State      session.State     `json:"state"`
	Identity   *session.Identity `json:"identity"`
	Generation uint64            `json:"generation"`
	Modules    []string          `json:"modules"`
}

func (h *Handler) apiSession(w http.ResponseWriter, r *http.Request) {
	store := session.StoreFromContext(r.Context())
	if store == nil {
		httpx.JSON(w, http.StatusOK, sessionResponse{State: session.StateUnauthenticated, Modules: []string{}})
		return
	}
	snap := store.Snapshot()
	resp := sessionResponse{State: snap.State, Identity: snap.Identity, Generation: snap.Generation, Modules: []string{}}
	if snap.Identity != nil {
		for _, mod := range h.facade.VisibleModules(snap.Identity) {
			resp.Modules = append(resp.Modules, mod.Key)
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, resp)
}

type navigationResponse struct {
	navigation.State
	Sections []navigation.Section `json:"sections"`
	SubMenu  bool                 `json:"has_sub_menu"`
}

func (h *Handler) apiNavigation(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		httpx.RespondError(w, httpx.Invalid("path query parameter is required"))
		return
	}
	if !h.resolver.Contains(path) {
		httpx.RespondError(w, httpx.NotFound("path %q is outside the portal", path))
		return
	}
	resp := navigationResponse{State: h.resolver.State(path), Sections: []navigation.Section{}}
	if resp.ActiveModule != "" {
		if sections, ok := h.resolver.SubMenu(resp.ActiveModule); ok {
			resp.Sections = sections
			resp.SubMenu = true
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name string, data view.TemplateData) {
	if err := h.templates.RenderStatus(w, status, name, data); err != nil {
		h.logger.Error("render "+name, slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
