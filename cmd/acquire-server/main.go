// Package main provides the entry point for the acquisition server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/jmylchreest/acquire/internal/api/handlers"
	"github.com/jmylchreest/acquire/internal/app"
	"github.com/jmylchreest/acquire/internal/config"
	"github.com/jmylchreest/acquire/internal/http/mw"
	"github.com/jmylchreest/acquire/internal/logging"
	"github.com/jmylchreest/acquire/internal/ratelimit"
	"github.com/jmylchreest/acquire/internal/shutdown"
	"github.com/jmylchreest/acquire/internal/version"
)

func main() {
	// Load configuration first (logging config comes from env)
	cfg := config.Load()
	logger := logging.SetDefault(cfg.LogLevel)

	logger.Info("starting acquisition server",
		"version", version.Get().Version,
		"port", cfg.Port,
		"max_browsers", cfg.MaxBrowsers,
		"proxies", len(cfg.Proxies),
		"coord_backend", cfg.CoordBackend,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise services", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("error releasing services", "error", err)
		}
	}()
	services.RunBackground(ctx)

	tracker := shutdown.NewTracker(shutdown.Options{IdleTimeout: cfg.IdleTimeout}, logger)
	go tracker.Watch(ctx)

	// Build auth config
	authEnabled := cfg.CallerSecret != "" || services.Verifier != nil
	authConfig := mw.AuthConfig{
		Verifier:       services.Verifier,
		CallerSecret:   cfg.CallerSecret,
		AllowAnonymous: cfg.AllowUnauthenticated || !authEnabled,
		Logger:         logger,
	}
	switch {
	case cfg.AllowUnauthenticated:
		logger.Warn("anonymous callers allowed - ALLOW_UNAUTHENTICATED is set")
	case !authEnabled:
		logger.Warn("no caller authentication configured - every caller is anonymous")
	default:
		logger.Info("caller authentication enabled",
			"signed_headers", cfg.CallerSecret != "",
			"service_jwt", services.Verifier != nil,
		)
	}

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(services.Store, services.Proxies, services.Browsers)
	scrapeHandler := handlers.NewScrapeHandler(services.Engine, logger)
	tokenHandler := handlers.NewTokenHandler(services.Tokens, logger)
	limitsHandler := handlers.NewLimitsHandler(services.Limiter, services.Quota)
	proxiesHandler := handlers.NewProxiesHandler(services.Proxies, logger)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(mw.RequestContext)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(tracker.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			"X-Acquire-Signature", "X-Acquire-Timestamp", "X-Acquire-User-ID", "X-Acquire-Tier", "X-Acquire-Scopes"},
		ExposedHeaders: []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	// Coarse per-address guard in front of the per-caller windows
	if cfg.GlobalIPLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.GlobalIPLimit, time.Minute))
	}

	humaConfig := huma.DefaultConfig("Acquisition Service", version.Get().Version)
	humaConfig.Info.Description = "Proxy-rotating page acquisition with shared rate limits and third-party tokens"
	api := humachi.New(r, humaConfig)

	// Register health endpoint (no auth required)
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns store reachability, proxy pool counts and browser usage",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*handlers.HealthOutput, error) {
		return &handlers.HealthOutput{Body: *healthHandler.Handle(ctx)}, nil
	})

	// Identified routes. Secondary APIs share the router, so only the root
	// API serves the OpenAPI document.
	group := func(register func(api huma.API), middlewares ...func(http.Handler) http.Handler) {
		r.Group(func(gr chi.Router) {
			gr.Use(mw.Identify(authConfig))
			gr.Use(middlewares...)
			groupConfig := humaConfig
			groupConfig.OpenAPIPath = ""
			groupConfig.DocsPath = ""
			groupConfig.SchemasPath = ""
			register(humachi.New(gr, groupConfig))
		})
	}

	group(func(api huma.API) {
		huma.Register(api, huma.Operation{
			OperationID:   "scrape",
			Method:        http.MethodPost,
			Path:          "/v1/scrape",
			Summary:       "Scrape a page",
			Description:   "Loads the page through the proxy pool and extracts price, title and image",
			Tags:          []string{"Scrape"},
			DefaultStatus: http.StatusOK,
		}, scrapeHandler.Handle)
	}, ratelimit.Middleware(services.Limiter, "scrape", mw.RateLimitIdentity))

	group(func(api huma.API) {
		huma.Register(api, huma.Operation{
			OperationID: "token",
			Method:      http.MethodGet,
			Path:        "/v1/token",
			Summary:     "Third-party bearer token",
			Description: "Returns the shared token, minting a new one when it is about to expire",
			Tags:        []string{"Token"},
		}, tokenHandler.Handle)
	}, mw.RequireScope("token"), ratelimit.Middleware(services.Limiter, "token", mw.RateLimitAs(ratelimit.ClassThirdParty)))

	group(func(api huma.API) {
		huma.Register(api, huma.Operation{
			OperationID: "check-limit",
			Method:      http.MethodGet,
			Path:        "/v1/limits/{resource}",
			Summary:     "Check a rate limit",
			Description: "Counts one request by the caller against the resource window",
			Tags:        []string{"Limits"},
		}, limitsHandler.Check)
		huma.Register(api, huma.Operation{
			OperationID: "quota",
			Method:      http.MethodGet,
			Path:        "/v1/quota",
			Summary:     "Third-party quota",
			Tags:        []string{"Limits"},
		}, limitsHandler.Quota)
		huma.Register(api, huma.Operation{
			OperationID: "acquire-quota",
			Method:      http.MethodPost,
			Path:        "/v1/quota",
			Summary:     "Spend third-party quota",
			Description: "Spends one call of the shared third-party budget",
			Tags:        []string{"Limits"},
		}, limitsHandler.Acquire)
	})

	group(func(api huma.API) {
		huma.Register(api, huma.Operation{
			OperationID: "list-proxies",
			Method:      http.MethodGet,
			Path:        "/v1/proxies",
			Summary:     "Proxy pool snapshot",
			Tags:        []string{"Proxies"},
		}, proxiesHandler.List)
		huma.Register(api, huma.Operation{
			OperationID: "check-proxies",
			Method:      http.MethodPost,
			Path:        "/v1/proxies/check",
			Summary:     "Probe disabled proxies",
			Tags:        []string{"Proxies"},
		}, proxiesHandler.Check)
	}, mw.RequireScope("proxies"))

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal or idle shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down server...")
	case <-tracker.Idle():
		logger.Info("shutting down idle server...")
	}

	// Cancel context to stop background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := tracker.Drain(shutdownCtx); err != nil {
		logger.Warn("in-flight work abandoned", "active", tracker.Active())
	}

	logger.Info("server stopped")
}
