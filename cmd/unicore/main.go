package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/unicore-erp/unicore/internal/app"
	"github.com/unicore-erp/unicore/internal/auth"
	"github.com/unicore-erp/unicore/internal/authz"
	"github.com/unicore-erp/unicore/internal/guard"
	"github.com/unicore-erp/unicore/internal/navigation"
	"github.com/unicore-erp/unicore/internal/observability"
	"github.com/unicore-erp/unicore/internal/platform/cache"
	"github.com/unicore-erp/unicore/internal/platform/db"
	"github.com/unicore-erp/unicore/internal/portal"
	"github.com/unicore-erp/unicore/internal/profiles"
	"github.com/unicore-erp/unicore/internal/provider"
	"github.com/unicore-erp/unicore/internal/rbac"
	"github.com/unicore-erp/unicore/internal/session"
	"github.com/unicore-erp/unicore/internal/setup"
	"github.com/unicore-erp/unicore/internal/shared"
	"github.com/unicore-erp/unicore/internal/view"
	"github.com/unicore-erp/unicore/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	catalog, err := navigation.LoadFile(cfg.NavCatalogFile)
	if err != nil {
		logger.Error("load navigation catalog", slog.Any("error", err))
		os.Exit(1)
	}
	table, err := rbac.LoadTableFile(cfg.PermissionsFile)
	if err != nil {
		logger.Error("load permission table", slog.Any("error", err))
		os.Exit(1)
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, ApplicationName: "unicore"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	var credentialAPI provider.API
	switch cfg.AuthProvider {
	case app.AuthProviderMemory:
		logger.Warn("using in-memory credential provider")
		credentialAPI = provider.NewMemoryAPI(cfg.AuthJWTSecret)
	default:
		credentialAPI = provider.NewGoTrueAPI(provider.GoTrueConfig{
			BaseURL:   cfg.AuthURL,
			APIKey:    cfg.AuthAPIKey,
			JWTSecret: cfg.AuthJWTSecret,
			Timeout:   cfg.AuthTimeout,
			RetryMax:  cfg.AuthRetryMax,
		})
	}
	credentialBus := provider.NewRedisBus(redisClient, "", logger)
	defer credentialBus.Close()
	credentials := provider.NewService(
		credentialAPI,
		provider.NewRedisTokenStore(redisClient, cfg.SessionTTL),
		credentialBus,
		logger,
	)

	profileRepo := profiles.NewRepository(dbpool)
	routes := session.Routes{Dashboard: catalog.Root(), SignIn: "/auth/login"}
	registry := session.NewRegistry(func(scopeID string) (session.Options, error) {
		return session.Options{
			Provider: credentials.ForScope(scopeID),
			Profiles: profileRepo,
			Routes:   routes,
			Logger:   logger,
		}, nil
	}, cfg.SessionScopeLimit, cfg.SessionScopeIdle, logger)
	defer registry.Close()
	metrics.TrackScopes(registry.Len)

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	facade := authz.NewFacade(table, catalog)
	templates, err := view.NewEngine(facade.TemplateFuncs())
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	portalHandler := portal.NewHandler(logger, templates, csrfManager, facade, navigation.NewResolver(catalog))
	authzMiddleware := authz.Middleware{Facade: facade, Logger: logger, Decisions: metrics.AuthzDecisions()}
	guardMiddleware := guard.Middleware{
		Routes:    guard.Routes{SignIn: routes.SignIn, Unauthorized: "/unauthorized"},
		WaitFor:   cfg.GuardWait,
		Waiting:   portalHandler.Waiting(),
		Decisions: metrics.GuardDecisions(),
		Logger:    logger,
	}

	authHandler := auth.NewHandler(auth.Config{
		Logger:    logger,
		Templates: templates,
		Sessions:  sessionManager,
		CSRF:      csrfManager,
		Provider:  credentials,
		Registry:  registry,
		Profiles:  profileRepo,
		Queue:     jobClient,
		BaseURL:   cfg.AppBaseURL,
		Routes:    routes,
	})
	setupHandler := setup.NewHandler(logger, templates, portalHandler.Page, table, profileRepo, authzMiddleware)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		CSRFManager:    csrfManager,
		Registry:       registry,
		Catalog:        catalog,
		Guard:          guardMiddleware,
		AuthHandler:    authHandler,
		PortalHandler:  portalHandler,
		SetupHandler:   setupHandler,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("auth_provider", cfg.AuthProvider))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
