// Package mw contains HTTP middleware for the acquisition service.
package mw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/acquire/internal/auth"
	"github.com/jmylchreest/acquire/internal/logging"
	"github.com/jmylchreest/acquire/internal/ratelimit"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// CallerKey is the context key for the identified caller.
	CallerKey ContextKey = "caller"
)

// CallerKind says how a caller was identified.
type CallerKind string

const (
	CallerAnonymous CallerKind = "anonymous"
	CallerUser      CallerKind = "user"
	CallerService   CallerKind = "service"
)

// Caller is the identity behind a request.
type Caller struct {
	ID     string
	Kind   CallerKind
	Tier   string
	Scopes []string
	IP     string
}

// HasScope checks if the caller was granted scope.
// Supports wildcard patterns with a trailing asterisk (e.g., "scrape:*").
func (c *Caller) HasScope(pattern string) bool {
	if c == nil || len(c.Scopes) == 0 {
		return false
	}

	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		for _, s := range c.Scopes {
			if strings.HasPrefix(s, prefix) {
				return true
			}
		}
		return false
	}

	for _, s := range c.Scopes {
		if s == pattern || s == "*" {
			return true
		}
	}
	return false
}

// Identity is the rate limit identity of the caller.
func (c *Caller) Identity() ratelimit.Identity {
	if c == nil || c.Kind == CallerAnonymous {
		ip := ""
		if c != nil {
			ip = c.IP
		}
		return ratelimit.IPIdentity(ip)
	}
	return ratelimit.UserIdentity(c.ID)
}

// Class is the rate limit class of the caller.
func (c *Caller) Class() ratelimit.Class {
	if c == nil || c.Kind == CallerAnonymous {
		return ratelimit.ClassPublic
	}
	return ratelimit.ClassAuthenticated
}

// GetCaller retrieves the caller from context.
func GetCaller(ctx context.Context) *Caller {
	c, ok := ctx.Value(CallerKey).(*Caller)
	if !ok {
		return nil
	}
	return c
}

// RateLimitIdentity identifies a request for the sliding-window limiter.
// Requests that never went through Identify count against their address.
func RateLimitIdentity(r *http.Request) (ratelimit.Identity, ratelimit.Class) {
	c := GetCaller(r.Context())
	if c == nil {
		return ratelimit.IPIdentity(clientIP(r)), ratelimit.ClassPublic
	}
	return c.Identity(), c.Class()
}

// RateLimitAs identifies identified callers under class instead of their
// own. Anonymous callers stay public.
func RateLimitAs(class ratelimit.Class) ratelimit.IdentifyFunc {
	return func(r *http.Request) (ratelimit.Identity, ratelimit.Class) {
		id, own := RateLimitIdentity(r)
		if own == ratelimit.ClassPublic {
			return id, own
		}
		return id, class
	}
}

// AuthConfig holds configuration for the caller identification middleware.
type AuthConfig struct {
	// Verifier validates service bearer tokens (optional)
	Verifier *auth.Verifier

	// CallerSecret validates signed X-Acquire-* headers from a fronting
	// API (optional)
	CallerSecret string

	// AllowAnonymous lets requests without credentials through as
	// anonymous callers identified by address.
	AllowAnonymous bool

	Logger *slog.Logger
}

// Identify returns middleware that identifies the caller from:
// 1. Signed headers (if CallerSecret is set)
// 2. A service bearer token (if Verifier is set)
// 3. The client address (if AllowAnonymous is set)
// Presented credentials that fail validation are always rejected.
func Identify(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			caller, err := identify(r, cfg)
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Debug("caller identification failed", "error", err, "ip", ip)
				}
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if caller == nil {
				if !cfg.AllowAnonymous {
					writeAuthError(w, http.StatusUnauthorized, "missing credentials")
					return
				}
				caller = &Caller{ID: ip, Kind: CallerAnonymous}
			}
			caller.IP = ip

			ctx := context.WithValue(r.Context(), CallerKey, caller)
			ctx = logging.WithCaller(ctx, string(caller.Identity()))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identify(r *http.Request, cfg AuthConfig) (*Caller, error) {
	if cfg.CallerSecret != "" {
		caller, err := validateSignedHeaders(r, cfg.CallerSecret)
		if err != nil || caller != nil {
			return caller, err
		}
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, nil
	}
	if cfg.Verifier == nil {
		return nil, ErrAuthNotConfigured
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := cfg.Verifier.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	return &Caller{
		ID:     claims.Subject,
		Kind:   CallerService,
		Tier:   claims.Tier,
		Scopes: claims.Scopes(),
	}, nil
}

// SignHeaders sets the X-Acquire-* headers a fronting API sends on behalf
// of a user.
func SignHeaders(h http.Header, secret, userID, tier string, scopes []string, now time.Time) {
	timestamp := strconv.FormatInt(now.Unix(), 10)
	joined := strings.Join(scopes, ",")

	h.Set("X-Acquire-Timestamp", timestamp)
	h.Set("X-Acquire-User-ID", userID)
	h.Set("X-Acquire-Tier", tier)
	h.Set("X-Acquire-Scopes", joined)
	h.Set("X-Acquire-Signature", signature(secret, timestamp+":"+userID+":"+tier+":"+joined))
}

// validateSignedHeaders validates the X-Acquire-* headers.
// Headers:
//   - X-Acquire-Signature: HMAC-SHA256 signature
//   - X-Acquire-Timestamp: Unix timestamp (for replay protection)
//   - X-Acquire-User-ID: User ID
//   - X-Acquire-Tier: User tier
//   - X-Acquire-Scopes: Comma-separated scopes
func validateSignedHeaders(r *http.Request, secret string) (*Caller, error) {
	sig := r.Header.Get("X-Acquire-Signature")
	timestamp := r.Header.Get("X-Acquire-Timestamp")
	userID := r.Header.Get("X-Acquire-User-ID")

	if sig == "" || timestamp == "" || userID == "" {
		return nil, nil
	}

	// within 5 minutes either side
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if skew := time.Now().Unix() - ts; skew > 300 || skew < -300 {
		return nil, ErrTimestampExpired
	}

	tier := r.Header.Get("X-Acquire-Tier")
	scopes := r.Header.Get("X-Acquire-Scopes")

	expected := signature(secret, timestamp+":"+userID+":"+tier+":"+scopes)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	var scopeList []string
	if scopes != "" {
		scopeList = strings.Split(scopes, ",")
		for i, s := range scopeList {
			scopeList[i] = strings.TrimSpace(s)
		}
	}

	return &Caller{
		ID:     userID,
		Kind:   CallerUser,
		Tier:   tier,
		Scopes: scopeList,
	}, nil
}

func signature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// clientIP is the request address without its port. chi's RealIP has
// already replaced RemoteAddr when the service sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":  http.StatusText(status),
		"status": status,
		"detail": msg,
	})
}

// RequireScope returns middleware that requires an identified caller
// holding scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c := GetCaller(r.Context())
			if c == nil || c.Kind == CallerAnonymous {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !c.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Errors
var (
	ErrTimestampExpired  = &AuthError{Message: "timestamp expired"}
	ErrInvalidSignature  = &AuthError{Message: "invalid signature"}
	ErrAuthNotConfigured = &AuthError{Message: "authentication not configured"}
)

// AuthError represents an authentication error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}
