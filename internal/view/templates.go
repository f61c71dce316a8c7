package view

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Identity    *session.Identity
	Modules     []navigation.Module
	Nav         navigation.State
	Data        any
}

// NewEngine parses templates at build-time. extra is merged over the
// built-in helpers, typically with authz.Facade.TemplateFuncs.
func NewEngine(extra ...map[string]any) (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"roleLabel": func(r rbac.Role) string { return r.Label() },
		"isActive":  navigation.IsActive,
		"can":       func(*session.Identity, string, string) bool { return false },
		"hasRole":   func(*session.Identity, ...string) bool { return false },
	}
	for _, funcs := range extra {
		for name, fn := range funcs {
			funcMap[name] = fn
		}
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template with TemplateData. The output is buffered
// so a template error does not leave a half-written page.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	return e.RenderStatus(w, http.StatusOK, name, data)
}

// RenderStatus is Render with an explicit status code.
func (e *Engine) RenderStatus(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// Page builds the TemplateData common to every page: CSRF token, pending
// flash, current path and the scope identity.
func Page(r *http.Request, csrf *shared.CSRFManager, title string) TemplateData {
	sess := shared.SessionFromContext(r.Context())
	data := TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Identity:    session.IdentityFromContext(r.Context()),
	}
	if sess != nil {
		data.Flash = sess.PopFlash()
		if csrf != nil {
			data.CSRFToken, _ = csrf.EnsureToken(sess)
		}
	}
	return data
}
