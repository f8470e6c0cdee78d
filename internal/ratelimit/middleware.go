package ratelimit

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"
)

// IdentifyFunc names the caller of a request and the class it is held to.
type IdentifyFunc func(r *http.Request) (Identity, Class)

// Middleware limits every request to resource. It sets the X-RateLimit-*
// headers and answers 429 with Retry-After once the window is full.
func Middleware(l *Limiter, resource string, identify IdentifyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, class := identify(r)
			res, err := l.Limit(r.Context(), id, resource, class)
			SetHeaders(w.Header(), res)

			var throttled *ThrottledError
			if errors.As(err, &throttled) {
				WriteThrottled(w, throttled)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SetHeaders writes the X-RateLimit-* headers for res.
func SetHeaders(h http.Header, res Result) {
	if res.Limit == 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
}

// RetryAfterSeconds rounds d up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// WriteThrottled answers 429 in the problem+json shape the API uses.
func WriteThrottled(w http.ResponseWriter, e *ThrottledError) {
	secs := RetryAfterSeconds(e.RetryAfter())
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":      http.StatusText(http.StatusTooManyRequests),
		"status":     http.StatusTooManyRequests,
		"detail":     "rate limit exceeded",
		"retryAfter": secs,
	})
}
