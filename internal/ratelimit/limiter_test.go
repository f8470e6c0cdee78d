package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/acquire/internal/coord"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var backends = map[string]func(t *testing.T, c *clock) coord.Store{
	"memory": func(t *testing.T, c *clock) coord.Store {
		return coord.NewMemoryStore().WithClock(c.Now)
	},
	"redis": func(t *testing.T, c *clock) coord.Store {
		mr := miniredis.RunT(t)
		store := coord.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		t.Cleanup(func() { store.Close() })
		return store
	},
}

func TestLimiterSlidingWindow(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			c := newClock()
			l := NewLimiter(open(t, c), Options{Now: c.Now}, discardLogger())
			ctx := context.Background()
			id := IPIdentity("203.0.113.7")

			for i := 1; i <= 60; i++ {
				res, err := l.Limit(ctx, id, "search", ClassPublic)
				if err != nil {
					t.Fatalf("request %d: Limit() error = %v", i, err)
				}
				if res.Remaining != 60-i {
					t.Fatalf("request %d: Remaining = %d, want %d", i, res.Remaining, 60-i)
				}
				c.Advance(100 * time.Millisecond)
			}

			res, err := l.Limit(ctx, id, "search", ClassPublic)
			var throttled *ThrottledError
			if !errors.As(err, &throttled) {
				t.Fatalf("61st Limit() error = %v, want *ThrottledError", err)
			}
			if throttled.RetryAfter() <= 0 {
				t.Errorf("RetryAfter() = %v, want > 0", throttled.RetryAfter())
			}
			// the oldest request was 6s ago
			if want := 54 * time.Second; throttled.RetryAfter() != want {
				t.Errorf("RetryAfter() = %v, want %v", throttled.RetryAfter(), want)
			}
			if res.Remaining != 0 || res.Limit != 60 {
				t.Errorf("throttled Result = %+v, want limit 60 remaining 0", res)
			}

			// other resources and identities have their own windows
			if _, err := l.Limit(ctx, id, "scrape", ClassPublic); err != nil {
				t.Errorf("Limit(other resource) error = %v", err)
			}
			if _, err := l.Limit(ctx, IPIdentity("198.51.100.1"), "search", ClassPublic); err != nil {
				t.Errorf("Limit(other identity) error = %v", err)
			}

			c.Advance(61 * time.Second)
			res, err = l.Limit(ctx, id, "search", ClassPublic)
			if err != nil {
				t.Fatalf("Limit() after window error = %v", err)
			}
			if res.Remaining != 59 {
				t.Errorf("Remaining after window = %d, want 59", res.Remaining)
			}
		})
	}
}

func TestLimiterRejectedRequestsDoNotCount(t *testing.T) {
	c := newClock()
	l := NewLimiter(coord.NewMemoryStore(), Options{Limits: Limits{ClassPublic: 2}, Now: c.Now}, discardLogger())
	ctx := context.Background()
	id := UserIdentity("u1")

	for i := 0; i < 2; i++ {
		if _, err := l.Limit(ctx, id, "r", ClassPublic); err != nil {
			t.Fatalf("Limit() error = %v", err)
		}
	}
	c.Advance(30 * time.Second)
	for i := 0; i < 5; i++ {
		if _, err := l.Limit(ctx, id, "r", ClassPublic); err == nil {
			t.Fatal("Limit() allowed a request over the limit")
		}
	}
	c.Advance(31 * time.Second)
	if _, err := l.Limit(ctx, id, "r", ClassPublic); err != nil {
		t.Errorf("Limit() after the first entries aged out error = %v", err)
	}
}

func TestLimiterClasses(t *testing.T) {
	limits := DefaultLimits()
	tests := []struct {
		class Class
		want  int
	}{
		{ClassPublic, 60},
		{ClassAuthenticated, 300},
		{ClassThirdParty, 100},
		{Class("unknown"), 60},
	}
	for _, tt := range tests {
		if got := limits.For(tt.class); got != tt.want {
			t.Errorf("For(%q) = %d, want %d", tt.class, got, tt.want)
		}
	}

	l := NewLimiter(coord.NewMemoryStore(), Options{}, discardLogger())
	res, err := l.Limit(context.Background(), UserIdentity("u1"), "search", ClassAuthenticated)
	if err != nil {
		t.Fatalf("Limit() error = %v", err)
	}
	if res.Limit != 300 || res.Remaining != 299 {
		t.Errorf("Limit() = %+v, want limit 300 remaining 299", res)
	}
}

func TestLimiterFailOpen(t *testing.T) {
	store := coord.NewMemoryStore()
	store.Close()

	l := NewLimiter(store, Options{}, discardLogger())
	for i := 0; i < 100; i++ {
		res, err := l.Limit(context.Background(), IPIdentity("1.2.3.4"), "search", ClassPublic)
		if err != nil {
			t.Fatalf("Limit() error = %v, want fail open", err)
		}
		if res.Remaining != res.Limit {
			t.Fatalf("Limit() = %+v, want full remaining", res)
		}
	}
}

func TestLimiterBlock(t *testing.T) {
	c := newClock()
	l := NewLimiter(coord.NewMemoryStore(), Options{Limits: Limits{ClassPublic: 1}, Now: c.Now}, discardLogger())
	var slept []time.Duration
	l.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		c.Advance(d)
		return nil
	}
	ctx := context.Background()
	id := IPIdentity("1.2.3.4")

	if _, err := l.Limit(ctx, id, "r", ClassPublic); err != nil {
		t.Fatal(err)
	}
	c.Advance(20 * time.Second)

	if _, err := l.Limit(ctx, id, "r", ClassPublic, WithBlock(time.Minute)); err != nil {
		t.Fatalf("Limit(WithBlock) error = %v", err)
	}
	if len(slept) != 1 || slept[0] != 40*time.Second {
		t.Errorf("slept %v, want [40s]", slept)
	}

	// a wait beyond maxWait is refused without sleeping
	slept = nil
	_, err := l.Limit(ctx, id, "r", ClassPublic, WithBlock(10*time.Second))
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("Limit(WithBlock) error = %v, want *ThrottledError", err)
	}
	if len(slept) != 0 {
		t.Errorf("slept %v past maxWait", slept)
	}
}

func TestMiddleware(t *testing.T) {
	c := newClock()
	l := NewLimiter(coord.NewMemoryStore(), Options{Limits: Limits{ClassPublic: 2}, Now: c.Now}, discardLogger())
	h := Middleware(l, "search", func(r *http.Request) (Identity, Class) {
		return IPIdentity(r.RemoteAddr), ClassPublic
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		wantStatus    int
		wantRemaining string
	}{
		{http.StatusNoContent, "1"},
		{http.StatusNoContent, "0"},
		{http.StatusTooManyRequests, "0"},
	}
	for i, tt := range tests {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/search", nil)
		req.RemoteAddr = "192.0.2.1"
		h.ServeHTTP(rec, req)

		if rec.Code != tt.wantStatus {
			t.Errorf("request %d: status = %d, want %d", i+1, rec.Code, tt.wantStatus)
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != tt.wantRemaining {
			t.Errorf("request %d: X-RateLimit-Remaining = %q, want %q", i+1, got, tt.wantRemaining)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 2", i+1, got)
		}
		if tt.wantStatus == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
		}
	}
}
