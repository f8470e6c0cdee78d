package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/acquire/internal/coord"
)

// Result is the state of a caller's window after a check.
type Result struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// ThrottledError is returned when a caller exceeded its window.
type ThrottledError struct {
	Result
	Resource string
	Identity Identity
	Wait     time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s, retry after %s", e.Identity, e.Resource, e.Wait)
}

// RetryAfter is at least one second.
func (e *ThrottledError) RetryAfter() time.Duration {
	return e.Wait
}

// Options configures a Limiter.
type Options struct {
	Limits Limits        // default DefaultLimits()
	Period time.Duration // default 60s
	// Block makes every check wait for its window instead of failing, for at
	// most MaxWait.
	Block   bool
	MaxWait time.Duration // default 60s
	Now     func() time.Time
}

// Limiter is a sliding-window rate limiter.
type Limiter struct {
	store   coord.Store
	limits  Limits
	period  time.Duration
	block   bool
	maxWait time.Duration
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter over store.
func NewLimiter(store coord.Store, opts Options, logger *slog.Logger) *Limiter {
	if opts.Limits == nil {
		opts.Limits = DefaultLimits()
	}
	if opts.Period <= 0 {
		opts.Period = time.Minute
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		store:   store,
		limits:  opts.Limits,
		period:  opts.Period,
		block:   opts.Block,
		maxWait: opts.MaxWait,
		logger:  logger,
		now:     opts.Now,
		sleep:   sleepCtx,
	}
}

// Option adjusts a single Limit call.
type Option func(*callOptions)

type callOptions struct {
	block   bool
	maxWait time.Duration
}

// WithBlock waits up to maxWait for the window to open instead of returning
// a ThrottledError straight away.
func WithBlock(maxWait time.Duration) Option {
	return func(o *callOptions) {
		o.block = true
		if maxWait > 0 {
			o.maxWait = maxWait
		}
	}
}

// Key returns the store key of a window.
func Key(resource string, id Identity) string {
	return "rate_limit:" + resource + ":" + string(id)
}

// Limit records a request by id against resource. Throttled requests are
// not recorded and return a *ThrottledError.
func (l *Limiter) Limit(ctx context.Context, id Identity, resource string, class Class, opts ...Option) (Result, error) {
	co := callOptions{block: l.block, maxWait: l.maxWait}
	for _, o := range opts {
		o(&co)
	}

	var waited time.Duration
	for {
		res, err := l.check(ctx, id, resource, class)
		throttled, ok := err.(*ThrottledError)
		if !ok || !co.block {
			return res, err
		}

		if waited+throttled.Wait > co.maxWait {
			return res, err
		}
		l.logger.Debug("rate limited, waiting for window",
			"resource", resource,
			"wait", throttled.Wait,
		)
		if err := l.sleep(ctx, throttled.Wait); err != nil {
			return res, throttled
		}
		waited += throttled.Wait
	}
}

func (l *Limiter) check(ctx context.Context, id Identity, resource string, class Class) (Result, error) {
	limit := l.limits.For(class)
	now := l.now()
	key := Key(resource, id)

	w, err := l.store.WindowAdd(ctx, key, ulid.Make().String(), now, l.period, int64(limit))
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			"resource", resource,
			"error", err,
		)
		return Result{Limit: limit, Remaining: limit, Reset: now.Add(l.period)}, nil
	}

	res := Result{
		Limit:     limit,
		Remaining: max(0, limit-int(w.Count)),
		Reset:     w.Oldest.Add(l.period),
	}
	if w.Oldest.IsZero() {
		res.Reset = now.Add(l.period)
	}
	if w.Added {
		return res, nil
	}

	wait := res.Reset.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return res, &ThrottledError{Result: res, Resource: resource, Identity: id, Wait: wait}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
