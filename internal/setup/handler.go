// Package setup hosts the administrator pages of the System Setup module.
package setup

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unicore-erp/unicore/internal/authz"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
)

// RoleAssigner changes the role stored on a profile.
type RoleAssigner interface {
	UpdateRole(ctx context.Context, id string, role rbac.Role) error
}

// PageFunc builds the chrome for a page.
type PageFunc func(r *http.Request, title string) view.TemplateData

// Handler manages the permission matrix and role assignment.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	page      PageFunc
	table     *rbac.Table
	roles     RoleAssigner
	authz     authz.Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, templates *view.Engine, page PageFunc, table *rbac.Table, roles RoleAssigner, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		templates: templates,
		page:      page,
		table:     table,
		roles:     roles,
		authz:     mw,
		validator: validator.New(),
	}
}

// MountRoutes registers setup routes relative to the module root.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAnyPermission(
			authz.Requirement{Domain: "setup", Action: rbac.ActionRead},
			authz.Requirement{Domain: "setup", Action: rbac.ActionManage},
		))
		// Administrators see every role; other readers see their own.
		r.Method(http.MethodGet, "/roles/matrix", authz.Gate(
			h.authz.Facade.RolePredicate(rbac.RoleAdministrator),
			http.HandlerFunc(h.permissionMatrix),
			http.HandlerFunc(h.ownGrants),
		))
		r.Method(http.MethodGet, "/users", authz.Gate(
			h.authz.Facade.PermissionPredicate("setup", rbac.ActionManage),
			http.HandlerFunc(h.showUsers),
			http.HandlerFunc(h.showUsersReadOnly),
		))
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequirePermission("setup", rbac.ActionManage))
		r.Post("/users", h.assignRole)
	})
}

type roleGrants struct {
	Role   rbac.Role
	Grants []rbac.Grant
}

type formErrors map[string]string

func (h *Handler) permissionMatrix(w http.ResponseWriter, r *http.Request) {
	rows := make([]roleGrants, 0, len(rbac.AllRoles()))
	for _, role := range rbac.AllRoles() {
		rows = append(rows, roleGrants{Role: role, Grants: h.table.Grants(role)})
	}
	h.render(w, r, http.StatusOK, "pages/permissions.html", "Permissions", map[string]any{"Roles": rows})
}

func (h *Handler) ownGrants(w http.ResponseWriter, r *http.Request) {
	rows := []roleGrants{}
	if id := session.IdentityFromContext(r.Context()); id != nil {
		rows = append(rows, roleGrants{Role: id.Role, Grants: h.table.Grants(id.Role)})
	}
	h.render(w, r, http.StatusOK, "pages/permissions.html", "Permissions", map[string]any{"Roles": rows})
}

type assignForm struct {
	UserID string `validate:"required,max=64"`
	Role   string `validate:"required"`
}

func (h *Handler) showUsers(w http.ResponseWriter, r *http.Request) {
	h.renderUsers(w, r, http.StatusOK, assignForm{}, formErrors{})
}

func (h *Handler) showUsersReadOnly(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "pages/setup_users.html", "Users", map[string]any{
		"ReadOnly": true,
		"Form":     assignForm{},
		"Errors":   formErrors{},
		"Roles":    rbac.AllRoles(),
	})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	form := assignForm{
		UserID: strings.TrimSpace(r.PostFormValue("user_id")),
		Role:   strings.TrimSpace(r.PostFormValue("role")),
	}
	errs := formErrors{}
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs[fe.Field()] = "This field is required"
			}
		}
	}
	role, ok := rbac.ParseRole(form.Role)
	if form.Role != "" && !ok {
		errs["Role"] = "Unknown role"
	}
	if len(errs) > 0 {
		h.renderUsers(w, r, http.StatusBadRequest, form, errs)
		return
	}

	err := h.roles.UpdateRole(r.Context(), form.UserID, role)
	switch {
	case errors.Is(err, session.ErrProfileNotFound):
		errs["UserID"] = "No profile exists for this user"
		h.renderUsers(w, r, http.StatusNotFound, form, errs)
		return
	case err != nil:
		h.logger.Error("update role", slog.String("user_id", form.UserID), slog.Any("error", err))
		errs["general"] = "The role could not be saved, please try again"
		h.renderUsers(w, r, http.StatusInternalServerError, form, errs)
		return
	}
	h.logger.Info("role assigned", slog.String("user_id", form.UserID), slog.String("role", string(role)))
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Role updated to " + role.Label()})
	}
	http.Redirect(w, r, r.URL.Path, http.StatusSeeOther)
}

func (h *Handler) renderUsers(w http.ResponseWriter, r *http.Request, status int, form assignForm, errs formErrors) {
	h.render(w, r, status, "pages/setup_users.html", "Users", map[string]any{
		"Form":   form,
		"Errors": errs,
		"Roles":  rbac.AllRoles(),
	})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data map[string]any) {
	viewData := h.page(r, title)
	viewData.Data = data
	if err := h.templates.RenderStatus(w, status, name, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
