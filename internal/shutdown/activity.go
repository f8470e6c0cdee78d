// Package shutdown tracks in-flight work so the server can drain it before
// exiting, and signals when the process has been idle long enough to stop.
package shutdown

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Options configures a Tracker.
type Options struct {
	// IdleTimeout is how long without work before Idle fires. Zero or
	// negative disables idle detection.
	IdleTimeout time.Duration
	// Interval is how often Watch checks for idleness. Default 10s.
	Interval time.Duration
	// IsHealthCheck reports requests that do not count as activity.
	// Default DefaultIsHealthCheck.
	IsHealthCheck func(*http.Request) bool
	Now           func() time.Time
}

// Tracker counts in-flight requests and scrapes.
type Tracker struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active int
	last   time.Time
	// quiet is closed while active is zero.
	quiet chan struct{}

	idle     chan struct{}
	idleOnce sync.Once
}

// NewTracker creates a tracker with no work in flight.
func NewTracker(opts Options, logger *slog.Logger) *Tracker {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.IsHealthCheck == nil {
		opts.IsHealthCheck = DefaultIsHealthCheck
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	quiet := make(chan struct{})
	close(quiet)
	return &Tracker{
		opts:   opts,
		logger: logger,
		last:   opts.Now(),
		quiet:  quiet,
		idle:   make(chan struct{}),
	}
}

// Begin marks one unit of work as started and returns the func that ends
// it. Calling the returned func more than once has no further effect.
func (t *Tracker) Begin() func() {
	t.mu.Lock()
	if t.active == 0 {
		t.quiet = make(chan struct{})
	}
	t.active++
	t.last = t.opts.Now()
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.active--
			t.last = t.opts.Now()
			if t.active == 0 {
				close(t.quiet)
			}
		})
	}
}

// Middleware counts every request except health checks.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.opts.IsHealthCheck(r) {
			next.ServeHTTP(w, r)
			return
		}
		done := t.Begin()
		defer done()
		next.ServeHTTP(w, r)
	})
}

// Active returns the number of units of work in flight.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IdleFor returns how long nothing has been in flight, or zero while
// something is.
func (t *Tracker) IdleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active > 0 {
		return 0
	}
	return t.opts.Now().Sub(t.last)
}

// Idle is closed once the idle timeout has passed with nothing in flight.
func (t *Tracker) Idle() <-chan struct{} {
	return t.idle
}

// Watch checks for idleness every interval until ctx is done or Idle
// fires. It returns immediately when idle detection is disabled.
func (t *Tracker) Watch(ctx context.Context) {
	if t.opts.IdleTimeout <= 0 {
		t.logger.Info("idle shutdown disabled (set IDLE_TIMEOUT to enable)")
		return
	}
	t.logger.Info("idle shutdown enabled", "timeout", t.opts.IdleTimeout)

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.check() {
				return
			}
		}
	}
}

// check fires Idle when the timeout has passed and reports whether it did.
func (t *Tracker) check() bool {
	if t.opts.IdleTimeout <= 0 {
		return false
	}
	idle := t.IdleFor()
	if idle < t.opts.IdleTimeout || t.Active() > 0 {
		if idle > t.opts.IdleTimeout/2 {
			t.logger.Debug("idle check", "idle_time", idle.Round(time.Second), "timeout", t.opts.IdleTimeout)
		}
		return false
	}
	t.idleOnce.Do(func() {
		t.logger.Info("idle timeout reached, signaling shutdown",
			"idle_time", idle.Round(time.Second),
			"timeout", t.opts.IdleTimeout,
		)
		close(t.idle)
	})
	return true
}

// Drain waits until nothing is in flight or ctx is done. Browser sessions
// held by in-flight scrapes are released by the time it returns nil.
func (t *Tracker) Drain(ctx context.Context) error {
	for {
		t.mu.Lock()
		quiet, active := t.quiet, t.active
		t.mu.Unlock()
		if active == 0 {
			return nil
		}

		t.logger.Info("waiting for in-flight work", "active", active)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-quiet:
		}
	}
}

// DefaultIsHealthCheck matches platform health probes by user agent and the
// service's health path.
func DefaultIsHealthCheck(r *http.Request) bool {
	if strings.Contains(r.Header.Get("User-Agent"), "HealthCheck") {
		return true
	}
	switch r.URL.Path {
	case "/health", "/healthz", "/livez", "/readyz":
		return true
	}
	return false
}
