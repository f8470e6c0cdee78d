package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmylchreest/acquire/internal/coord"
)

// QuotaExceededError is returned when the budget for the current window is
// spent.
type QuotaExceededError struct {
	Limit   int64
	ResetAt time.Time
	wait    time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota of %d calls exhausted until %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter is the time left until the window resets.
func (e *QuotaExceededError) RetryAfter() time.Duration {
	return e.wait
}

// QuotaStatus is the budget after a call.
type QuotaStatus struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	// Degraded is set when the in-process counter answered.
	Degraded bool `json:"degraded,omitempty"`
}

// QuotaOptions configures a Quota.
type QuotaOptions struct {
	Prefix   string        // store key prefix, default "third_party:quota"
	MaxCalls int64         // default 5000
	Period   time.Duration // default 24h
	// Burst is how many calls may go out back to back before pacing spreads
	// them to 90% of the average allowed rate. Default 1.
	Burst int
	// MaxWait bounds how long Wait sleeps for a window to reset. Default 60s.
	MaxWait time.Duration
	Now     func() time.Time
}

// Quota is a rolling call budget. The window starts with the first call
// and its reset instant is stored, so every process shares it.
type Quota struct {
	store       coord.Store
	usagePrefix string
	resetKey    string
	max         int64
	period      time.Duration
	maxWait     time.Duration
	pacer       *rate.Limiter
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	localUsed  int64
	localReset time.Time
}

// NewQuota creates a quota over store.
func NewQuota(store coord.Store, opts QuotaOptions, logger *slog.Logger) *Quota {
	if opts.Prefix == "" {
		opts.Prefix = "third_party:quota"
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = 5000
	}
	if opts.Period <= 0 {
		opts.Period = 24 * time.Hour
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	interval := time.Duration(float64(opts.Period) * 0.9 / float64(opts.MaxCalls))
	return &Quota{
		store:       store,
		usagePrefix: opts.Prefix + ":usage",
		resetKey:    opts.Prefix + ":reset_time",
		max:         opts.MaxCalls,
		period:      opts.Period,
		maxWait:     opts.MaxWait,
		pacer:       rate.NewLimiter(rate.Every(interval), opts.Burst),
		logger:      logger,
		now:         opts.Now,
		sleep:       sleepCtx,
	}
}

// Acquire spends one call. It fails with *QuotaExceededError when the
// budget is spent and otherwise waits for its pacing slot.
func (q *Quota) Acquire(ctx context.Context) (QuotaStatus, error) {
	used, reset, err := q.window(ctx)
	if err != nil {
		q.logger.Warn("quota store unavailable, using in-process counter", "error", err)
		return q.acquireLocal(ctx)
	}
	if used >= q.max {
		return q.status(used, reset), q.exceeded(reset)
	}

	if err := q.pacer.Wait(ctx); err != nil {
		return q.status(used, reset), err
	}

	n, err := q.store.Incr(ctx, q.usageKey(reset))
	if err != nil {
		q.logger.Warn("quota store unavailable, using in-process counter", "error", err)
		return q.acquireLocal(ctx)
	}
	if n > q.max {
		return q.status(n, reset), q.exceeded(reset)
	}
	return q.status(n, reset), nil
}

// Wait is Acquire that sleeps through an exhausted window instead of
// failing. It still returns *QuotaExceededError when the reset is further
// away than MaxWait.
func (q *Quota) Wait(ctx context.Context) (QuotaStatus, error) {
	for {
		st, err := q.Acquire(ctx)
		var qe *QuotaExceededError
		if !errors.As(err, &qe) {
			return st, err
		}
		if qe.RetryAfter() > q.maxWait {
			return st, qe
		}
		q.logger.Warn("quota exhausted, waiting for reset", "reset_at", qe.ResetAt, "wait", qe.RetryAfter())
		if err := q.sleep(ctx, qe.RetryAfter()); err != nil {
			return st, err
		}
	}
}

// Status reports the budget without spending it.
func (q *Quota) Status(ctx context.Context) (QuotaStatus, error) {
	used, reset, err := q.window(ctx)
	if err != nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.rollLocal()
		st := q.status(q.localUsed, q.localReset)
		st.Degraded = true
		return st, nil
	}
	return q.status(used, reset), nil
}

// window returns the usage and reset instant, starting a new window when
// the stored one has passed. Usage is counted under a key per window, so a
// new window never overwrites calls already counted against it.
func (q *Quota) window(ctx context.Context) (int64, time.Time, error) {
	now := q.now()

	raw, err := q.store.Get(ctx, q.resetKey)
	switch {
	case errors.Is(err, coord.ErrNotFound):
		raw = ""
	case err != nil:
		return 0, time.Time{}, err
	}

	reset, ok := parseMillis(raw)
	if ok && now.Before(reset) {
		used, err := q.usage(ctx, reset)
		return used, reset, err
	}

	if raw != "" {
		if _, err := q.store.DelIfValue(ctx, q.resetKey, raw); err != nil {
			return 0, time.Time{}, err
		}
	}
	next := now.Add(q.period)
	started, err := q.store.SetNX(ctx, q.resetKey, strconv.FormatInt(next.UnixMilli(), 10), q.period)
	if err != nil {
		return 0, time.Time{}, err
	}
	if started {
		q.logger.Info("quota window started", "reset_at", next)
		used, err := q.usage(ctx, next)
		return used, next, err
	}

	// another process started the window first
	raw, err = q.store.Get(ctx, q.resetKey)
	if err != nil {
		return 0, time.Time{}, err
	}
	reset, _ = parseMillis(raw)
	used, err := q.usage(ctx, reset)
	return used, reset, err
}

func (q *Quota) usageKey(reset time.Time) string {
	return q.usagePrefix + ":" + strconv.FormatInt(reset.UnixMilli(), 10)
}

// usage reads the window's counter, creating it with a TTL when absent so
// a later Incr never leaves a key without expiry.
func (q *Quota) usage(ctx context.Context, reset time.Time) (int64, error) {
	key := q.usageKey(reset)
	raw, err := q.store.Get(ctx, key)
	if errors.Is(err, coord.ErrNotFound) {
		ttl := max(reset.Sub(q.now()), 0) + q.period
		if _, err := q.store.SetNX(ctx, key, "0", ttl); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (q *Quota) acquireLocal(ctx context.Context) (QuotaStatus, error) {
	q.mu.Lock()
	q.rollLocal()
	if q.localUsed >= q.max {
		reset := q.localReset
		st := q.status(q.localUsed, reset)
		q.mu.Unlock()
		st.Degraded = true
		return st, q.exceeded(reset)
	}
	q.mu.Unlock()

	if err := q.pacer.Wait(ctx); err != nil {
		return QuotaStatus{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.localUsed++
	st := q.status(q.localUsed, q.localReset)
	st.Degraded = true
	return st, nil
}

// rollLocal starts a new local window when the current one has passed.
// Callers hold q.mu.
func (q *Quota) rollLocal() {
	now := q.now()
	if q.localReset.IsZero() || !now.Before(q.localReset) {
		q.localUsed = 0
		q.localReset = now.Add(q.period)
	}
}

func (q *Quota) status(used int64, reset time.Time) QuotaStatus {
	return QuotaStatus{
		Limit:     q.max,
		Used:      min(used, q.max),
		Remaining: max(0, q.max-used),
		ResetAt:   reset,
	}
}

func (q *Quota) exceeded(reset time.Time) *QuotaExceededError {
	wait := reset.Sub(q.now())
	if wait < time.Second {
		wait = time.Second
	}
	return &QuotaExceededError{Limit: q.max, ResetAt: reset, wait: wait}
}

func parseMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
