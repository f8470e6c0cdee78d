// Package app assembles the acquisition services from configuration. The
// server and the CLI share it so both run with identical wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/acquire/internal/auth"
	"github.com/jmylchreest/acquire/internal/browser"
	"github.com/jmylchreest/acquire/internal/config"
	"github.com/jmylchreest/acquire/internal/consent"
	"github.com/jmylchreest/acquire/internal/cookies"
	"github.com/jmylchreest/acquire/internal/coord"
	"github.com/jmylchreest/acquire/internal/proxy"
	"github.com/jmylchreest/acquire/internal/ratelimit"
	"github.com/jmylchreest/acquire/internal/scrape"
	"github.com/jmylchreest/acquire/internal/solver"
	"github.com/jmylchreest/acquire/internal/token"
)

// App holds the long-lived services.
type App struct {
	Config   *config.Config
	Store    coord.Store
	Proxies  *proxy.Manager
	Browsers *browser.Pool
	Jar      cookies.Jar
	Engine   *scrape.Engine
	Limiter  *ratelimit.Limiter
	Quota    *ratelimit.Quota
	Tokens   *token.Manager
	// Solver is the external captcha service, nil when none is configured.
	Solver solver.Solver
	// Verifier is nil when no service JWT secret is configured.
	Verifier *auth.Verifier

	logger *slog.Logger
}

// New connects the coordination store and builds every service. Nothing is
// launched until first use.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	store := coord.Open(ctx, coord.Options{
		Backend:         cfg.CoordBackend,
		RedisURL:        cfg.RedisURL,
		SQLitePath:      cfg.CoordDBPath,
		LibSQLURL:       cfg.LibSQLURL,
		LibSQLAuthToken: cfg.LibSQLAuthToken,
		DialTimeout:     cfg.CoordDialTimeout,
	}, logger)

	jar, err := cookies.Open(cfg.CookieBackend, cfg.CookieDir, cfg.CookieDBPath, cfg.SessionTTL, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open cookie jar: %w", err)
	}

	proxies := proxy.NewManager(cfg.Proxies, proxy.Options{
		FailureLimit:   cfg.ProxyFailureLimit,
		HealthInterval: cfg.ProxyHealthInterval,
		Cooldown:       cfg.ProxyCooldown,
		Prober:         proxy.NewHTTPProber(cfg.ProxyTestURL, cfg.ProxyProbeTimeout),
		Store:          store,
	}, logger)
	total, _ := proxies.Counts()
	if total == 0 {
		logger.Warn("no proxies configured, scrapes go out directly")
	}

	pool := browser.NewPool(browser.PoolConfig{
		ChromePath:     cfg.ChromePath,
		Headless:       cfg.Headless,
		MaxBrowsers:    cfg.MaxBrowsers,
		DisableStealth: cfg.DisableStealth,
	}, logger)

	var external solver.Solver
	if cfg.TwoCaptchaAPIKey != "" {
		logger.Info("2Captcha solver enabled")
		external = solver.NewChain(solver.NewTwoCaptcha(cfg.TwoCaptchaAPIKey))
	}
	resolver := solver.NewResolver(
		solver.DefaultStrategies(external, cfg.CaptchaSolveTimeout, cfg.CaptchaPassiveWait, logger),
		solver.ResolverOptions{Rounds: cfg.CaptchaMaxAttempts},
		logger,
	)

	engine := scrape.NewEngine(scrape.Deps{
		Launcher:  pool,
		Proxies:   proxies,
		Jar:       jar,
		Resolver:  resolver,
		Dismisser: consent.NewDismisser(logger),
	}, scrape.Options{
		MaxRetries:        cfg.ScrapeMaxRetries,
		NavigationTimeout: cfg.NavigationTimeout,
		BackoffCap:        cfg.BackoffCap,
	}, logger)

	limiter := ratelimit.NewLimiter(store, ratelimit.Options{
		Limits: ratelimit.Limits{
			ratelimit.ClassPublic:        cfg.RateLimitPublic,
			ratelimit.ClassAuthenticated: cfg.RateLimitAuthenticated,
			ratelimit.ClassThirdParty:    cfg.RateLimitThirdParty,
		},
		Period:  cfg.RateLimitPeriod,
		Block:   cfg.RateLimitBlock,
		MaxWait: cfg.RateLimitMaxWait,
	}, logger)

	quota := ratelimit.NewQuota(store, ratelimit.QuotaOptions{
		MaxCalls: int64(cfg.QuotaMaxCalls),
		Period:   cfg.QuotaPeriod,
		MaxWait:  cfg.QuotaMaxWait,
	}, logger)

	tokens := token.NewManager(store, token.NewOAuthMinter(token.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		TokenURL:     cfg.OAuthTokenURL,
		Scope:        cfg.OAuthScope,
	}, 30*time.Second), token.Options{
		MintCap:      cfg.TokenMintCap,
		Buffer:       cfg.TokenSafetyBuffer,
		ExpiryMargin: cfg.TokenExpiryMargin,
		LockTTL:      cfg.TokenLockTTL,
	}, logger)

	var verifier *auth.Verifier
	if cfg.ServiceJWTSecret != "" {
		verifier = auth.NewVerifier(cfg.ServiceJWTSecret, "")
	}

	return &App{
		Config:   cfg,
		Store:    store,
		Proxies:  proxies,
		Browsers: pool,
		Jar:      jar,
		Engine:   engine,
		Limiter:  limiter,
		Quota:    quota,
		Tokens:   tokens,
		Solver:   external,
		Verifier: verifier,
		logger:   logger,
	}, nil
}

// RunBackground warms the browser pool, reports the captcha solver balance
// and runs proxy health checks, coordination sweeps and expired-cookie
// cleanup until ctx is done.
func (a *App) RunBackground(ctx context.Context) {
	go a.warmup(ctx)
	go a.reportSolverBalance(ctx)
	go a.Proxies.Run(ctx)
	window := a.Config.RateLimitPeriod
	if window <= 0 {
		window = time.Minute
	}
	go coord.RunSweeper(ctx, a.Store, sweepInterval, window, a.logger)
	go a.cleanupCookies(ctx, time.Hour)
}

const sweepInterval = 5 * time.Minute

func (a *App) warmup(ctx context.Context) {
	if err := a.Browsers.Warmup(ctx); err != nil {
		a.logger.Error("browser warmup failed, first scrape will fetch Chromium", "error", err)
	}
}

func (a *App) reportSolverBalance(ctx context.Context) {
	if a.Solver == nil {
		return
	}
	balance, err := a.Solver.Balance(ctx)
	switch {
	case err != nil:
		a.logger.Warn("captcha solver balance unavailable", "error", err)
	case balance < 0:
	case balance == 0:
		a.logger.Warn("captcha solver has no credit, external solves will fail")
	default:
		a.logger.Info("captcha solver balance", "balance", balance)
	}
}

func (a *App) cleanupCookies(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Jar.Cleanup(ctx)
			if err != nil {
				a.logger.Warn("cookie cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("expired cookie sessions removed", "count", n)
			}
		}
	}
}

// Close stops every browser and releases the jar and store.
func (a *App) Close() error {
	a.Browsers.Close()
	return errors.Join(a.Jar.Close(), a.Store.Close())
}
