// Package config provides configuration management for the acquisition service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the acquisition service.
type Config struct {
	// Server settings
	Port           int
	LogLevel       string
	RequestTimeout time.Duration

	// Lifecycle: IdleTimeout stops the server after this long without
	// requests (0 disables).
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Browser settings
	ChromePath     string
	Headless       bool
	MaxBrowsers    int
	DisableStealth bool

	// Proxy pool settings
	Proxies             []string
	ProxyFailureLimit   int
	ProxyHealthInterval time.Duration
	ProxyCooldown       time.Duration
	ProxyTestURL        string
	ProxyProbeTimeout   time.Duration

	// Scrape settings
	ScrapeMaxRetries  int
	NavigationTimeout time.Duration
	BackoffCap        time.Duration
	ScrapeWorkers     int

	// Cookie persistence
	CookieBackend string // "file" or "sqlite"
	CookieDir     string
	CookieDBPath  string
	SessionTTL    time.Duration

	// Coordination store
	CoordBackend     string // "redis", "sqlite", "libsql" or "memory"
	RedisURL         string
	CoordDBPath      string
	LibSQLURL        string
	LibSQLAuthToken  string
	CoordDialTimeout time.Duration

	// Sliding-window rate limits (requests per RateLimitPeriod)
	RateLimitPublic        int
	RateLimitAuthenticated int
	RateLimitThirdParty    int
	RateLimitPeriod        time.Duration
	RateLimitBlock         bool
	RateLimitMaxWait       time.Duration
	GlobalIPLimit          int

	// Third-party daily quota
	QuotaMaxCalls int
	QuotaPeriod   time.Duration
	QuotaMaxWait  time.Duration

	// OAuth client-credentials token
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScope        string
	TokenMintCap      int
	TokenSafetyBuffer time.Duration
	TokenExpiryMargin time.Duration
	TokenLockTTL      time.Duration

	// CAPTCHA settings
	TwoCaptchaAPIKey    string
	CaptchaSolveTimeout time.Duration
	CaptchaMaxAttempts  int
	CaptchaPassiveWait  time.Duration

	// Caller identification
	CallerSecret         string // HMAC secret for signed X-Acquire-* headers
	ServiceJWTSecret     string // HS256 secret for service bearer tokens
	AllowUnauthenticated bool
}

// Load creates a Config from environment variables with sensible defaults.
// A .env file in the working directory is read first when present; real
// environment variables take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:           getEnvInt("PORT", 8192),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 5*time.Minute),

		IdleTimeout:     getEnvDuration("IDLE_TIMEOUT", 0),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),

		ChromePath:     getEnv("CHROME_PATH", ""),
		Headless:       getEnvBool("BROWSER_HEADLESS", true),
		MaxBrowsers:    getEnvInt("BROWSER_MAX_CONCURRENT", 4),
		DisableStealth: getEnvBool("DISABLE_STEALTH", false),

		Proxies:             getEnvList("PROXY_LIST"),
		ProxyFailureLimit:   getEnvInt("PROXY_FAILURE_LIMIT", 3),
		ProxyHealthInterval: getEnvDuration("PROXY_HEALTH_INTERVAL", 5*time.Minute),
		ProxyCooldown:       getEnvDuration("PROXY_COOLDOWN", time.Hour),
		ProxyTestURL:        getEnv("PROXY_TEST_URL", "http://httpbin.org/ip"),
		ProxyProbeTimeout:   getEnvDuration("PROXY_PROBE_TIMEOUT", 10*time.Second),

		ScrapeMaxRetries:  getEnvInt("SCRAPE_MAX_RETRIES", 3),
		NavigationTimeout: getEnvDuration("SCRAPE_NAVIGATION_TIMEOUT", 20*time.Second),
		BackoffCap:        getEnvDuration("SCRAPE_BACKOFF_CAP", 60*time.Second),
		ScrapeWorkers:     getEnvInt("SCRAPE_WORKERS", 4),

		CookieBackend: getEnv("COOKIE_BACKEND", "file"),
		CookieDir:     getEnv("COOKIE_DIR", "data/cookies"),
		CookieDBPath:  getEnv("COOKIE_DB_PATH", "data/cookies.db"),
		SessionTTL:    getEnvDuration("SESSION_TTL", 24*time.Hour),

		CoordBackend:     getEnv("COORD_BACKEND", "memory"),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CoordDBPath:      getEnv("COORD_DB_PATH", "data/coord.db"),
		LibSQLURL:        getEnv("LIBSQL_URL", ""),
		LibSQLAuthToken:  getEnv("LIBSQL_AUTH_TOKEN", ""),
		CoordDialTimeout: getEnvDuration("COORD_DIAL_TIMEOUT", 3*time.Second),

		RateLimitPublic:        getEnvInt("RATE_LIMIT_PUBLIC", 60),
		RateLimitAuthenticated: getEnvInt("RATE_LIMIT_AUTHENTICATED", 300),
		RateLimitThirdParty:    getEnvInt("RATE_LIMIT_THIRD_PARTY", 100),
		RateLimitPeriod:        getEnvDuration("RATE_LIMIT_PERIOD", time.Minute),
		RateLimitBlock:         getEnvBool("RATE_LIMIT_BLOCK", false),
		RateLimitMaxWait:       getEnvDuration("RATE_LIMIT_MAX_WAIT", 60*time.Second),
		GlobalIPLimit:          getEnvInt("GLOBAL_IP_LIMIT", 600),

		QuotaMaxCalls: getEnvInt("QUOTA_MAX_CALLS", 5000),
		QuotaPeriod:   getEnvDuration("QUOTA_PERIOD", 24*time.Hour),
		QuotaMaxWait:  getEnvDuration("QUOTA_MAX_WAIT", 60*time.Second),

		OAuthClientID:     getEnv("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret: getEnv("OAUTH_CLIENT_SECRET", ""),
		OAuthTokenURL:     getEnv("OAUTH_TOKEN_URL", "https://api.ebay.com/identity/v1/oauth2/token"),
		OAuthScope:        getEnv("OAUTH_SCOPE", "https://api.ebay.com/oauth/api_scope"),
		TokenMintCap:      getEnvInt("TOKEN_MINT_CAP", 900),
		TokenSafetyBuffer: getEnvDuration("TOKEN_SAFETY_BUFFER", 60*time.Second),
		TokenExpiryMargin: getEnvDuration("TOKEN_EXPIRY_MARGIN", 5*time.Minute),
		TokenLockTTL:      getEnvDuration("TOKEN_LOCK_TTL", 60*time.Second),

		TwoCaptchaAPIKey:    getEnv("TWOCAPTCHA_API_KEY", ""),
		CaptchaSolveTimeout: getEnvDuration("CAPTCHA_SOLVE_TIMEOUT", 2*time.Minute),
		CaptchaMaxAttempts:  getEnvInt("CAPTCHA_MAX_ATTEMPTS", 3),
		CaptchaPassiveWait:  getEnvDuration("CAPTCHA_PASSIVE_WAIT", 10*time.Second),

		CallerSecret:         getEnv("CALLER_SECRET", ""),
		ServiceJWTSecret:     getEnv("SERVICE_JWT_SECRET", ""),
		AllowUnauthenticated: getEnvBool("ALLOW_UNAUTHENTICATED", false),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
