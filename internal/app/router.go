package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/unicore-erp/unicore/internal/auth"
	"github.com/unicore-erp/unicore/internal/guard"
	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/observability"
	"github.com/unicore-erp/unicore/internal/portal"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/setup"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/jobs"
	"github.com/unicore-erp/unicore/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Registry       *session.Registry
	Catalog        *navigation.Catalog
	Guard          guard.Middleware

	AuthHandler   *auth.Handler
	PortalHandler *portal.Handler
	SetupHandler  *setup.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router with Unicore defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Registry:       params.Registry,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	if staticFS, err := fs.Sub(web.Static, "static"); err == nil {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
	} else if params.Logger != nil {
		params.Logger.Error("mount static assets", slog.Any("error", err))
	}

	dashboard := "/dashboard"
	if params.Catalog != nil {
		dashboard = params.Catalog.Root()
	}
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, dashboard, http.StatusSeeOther)
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)
	params.PortalHandler.MountRoutes(r)

	r.With(params.Guard.Require()).Get(dashboard, params.PortalHandler.Dashboard)
	if params.Catalog != nil {
		for _, mod := range params.Catalog.Modules() {
			mod := mod
			r.Route(mod.Path, func(r chi.Router) {
				r.Use(params.Guard.Require(portal.ModuleRoles(mod.Key)...))
				if mod.Key == "setup" {
					if params.SetupHandler != nil {
						params.SetupHandler.MountRoutes(r)
					}
					if params.JobHandler != nil {
						r.Route("/jobs", params.JobHandler.MountRoutes)
					}
				}
				params.PortalHandler.MountModule(r)
			})
		}
	}

	return r
}
