// Package proxy maintains the outbound proxy pool: round-robin rotation over
// healthy endpoints, sticky assignment per target, failure-based disabling
// and periodic re-probing of disabled endpoints.
package proxy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/acquire/internal/coord"
)

const healthCheckKey = "proxy:health_check"

// Record is the health state of one proxy. Records are never removed from
// the pool, only disabled and re-enabled.
//
// Counters are individual atomics updated outside the rotation lock. They
// are advisory: a reader may observe a failure count and an enabled flag
// written by different updates, and concurrent latency updates may drop a
// sample.
type Record struct {
	Address string

	enabled    atomic.Bool
	failures   atomic.Int32
	successes  atomic.Int64
	latency    atomic.Int64 // nanoseconds, exponential average
	lastUsed   atomic.Int64 // unix nanoseconds
	lastFailed atomic.Int64 // unix nanoseconds
}

// Snapshot is a point-in-time copy of a Record.
type Snapshot struct {
	Address    string        `json:"address"`
	Enabled    bool          `json:"enabled"`
	Failures   int           `json:"failures"`
	Successes  int64         `json:"successes"`
	Latency    time.Duration `json:"latency"`
	LastUsed   time.Time     `json:"lastUsed,omitempty"`
	LastFailed time.Time     `json:"lastFailed,omitempty"`
}

func (r *Record) snapshot() Snapshot {
	return Snapshot{
		Address:    r.Address,
		Enabled:    r.enabled.Load(),
		Failures:   int(r.failures.Load()),
		Successes:  r.successes.Load(),
		Latency:    time.Duration(r.latency.Load()),
		LastUsed:   unixNano(r.lastUsed.Load()),
		LastFailed: unixNano(r.lastFailed.Load()),
	}
}

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Prober checks that a proxy can carry a request.
type Prober interface {
	Probe(ctx context.Context, address string) (time.Duration, error)
}

// Options configures a Manager. Zero values take the defaults noted.
type Options struct {
	FailureLimit   int           // consecutive failures before disabling (3)
	HealthInterval time.Duration // minimum gap between health checks (5m)
	Cooldown       time.Duration // time since last failure before re-probing (1h)
	Concurrency    int           // parallel probes (8)
	Prober         Prober        // required for HealthCheck
	// Store, when set, elects one process per interval to run probes.
	Store coord.Store
	Now   func() time.Time
}

// Manager is the proxy pool.
type Manager struct {
	mu        sync.Mutex
	records   []*Record
	byAddr    map[string]*Record // read-only after construction
	next      int
	sticky    map[string]string
	lastCheck time.Time

	opts   Options
	logger *slog.Logger
}

// NewManager creates a pool with every address enabled. Duplicate and empty
// addresses are ignored.
func NewManager(addresses []string, opts Options, logger *slog.Logger) *Manager {
	if opts.FailureLimit <= 0 {
		opts.FailureLimit = 3
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Minute
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Hour
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		byAddr: make(map[string]*Record),
		sticky: make(map[string]string),
		opts:   opts,
		logger: logger,
	}
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, dup := m.byAddr[addr]; dup {
			continue
		}
		r := &Record{Address: addr}
		r.enabled.Store(true)
		m.records = append(m.records, r)
		m.byAddr[addr] = r
	}
	return m
}

// Next returns the next enabled proxy in round-robin order. ok is false when
// the pool is empty or every proxy is disabled; callers then go direct.
func (m *Manager) Next() (address string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked()
}

func (m *Manager) nextLocked() (string, bool) {
	n := len(m.records)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		r := m.records[idx]
		if !r.enabled.Load() {
			continue
		}
		m.next = (idx + 1) % n
		r.lastUsed.Store(m.opts.Now().UnixNano())
		return r.Address, true
	}
	return "", false
}

// ForTarget returns the proxy bound to target, binding the next rotated
// proxy when there is no binding or the bound proxy has been disabled.
func (m *Manager) ForTarget(target string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if addr, bound := m.sticky[target]; bound {
		if r, known := m.byAddr[addr]; known && r.enabled.Load() {
			r.lastUsed.Store(m.opts.Now().UnixNano())
			return addr, true
		}
		delete(m.sticky, target)
	}

	addr, ok := m.nextLocked()
	if ok {
		m.sticky[target] = addr
	}
	return addr, ok
}

// Release drops the binding for target so the next attempt rotates.
func (m *Manager) Release(target string) {
	m.mu.Lock()
	delete(m.sticky, target)
	m.mu.Unlock()
}

// MarkFailed records a failure. The proxy is disabled once it reaches the
// consecutive failure limit. Unknown addresses are ignored.
func (m *Manager) MarkFailed(address string) {
	r, ok := m.byAddr[address]
	if !ok {
		return
	}
	r.lastFailed.Store(m.opts.Now().UnixNano())
	n := r.failures.Add(1)
	if int(n) >= m.opts.FailureLimit && r.enabled.CompareAndSwap(true, false) {
		m.logger.Warn("proxy disabled", "proxy", Redact(address), "failures", n)
	}
}

// MarkSuccess resets the failure count, folds latency into the average and
// re-enables the proxy.
func (m *Manager) MarkSuccess(address string, latency time.Duration) {
	r, ok := m.byAddr[address]
	if !ok {
		return
	}
	r.failures.Store(0)
	r.successes.Add(1)

	prev := r.latency.Load()
	next := int64(latency)
	if prev > 0 {
		next = (prev + next) / 2
	}
	r.latency.Store(next)

	if r.enabled.CompareAndSwap(false, true) {
		m.logger.Info("proxy re-enabled", "proxy", Redact(address), "latency", latency)
	}
}

// Stats returns a snapshot of every record in pool order.
func (m *Manager) Stats() []Snapshot {
	out := make([]Snapshot, len(m.records))
	for i, r := range m.records {
		out[i] = r.snapshot()
	}
	return out
}

// Counts returns the pool size and the number of enabled proxies.
func (m *Manager) Counts() (total, enabled int) {
	for _, r := range m.records {
		if r.enabled.Load() {
			enabled++
		}
	}
	return len(m.records), enabled
}

// HealthCheck re-probes disabled proxies whose cooldown has passed. It is a
// no-op when called again within HealthInterval, and when another process
// holds this interval's election in the coordination store. Store errors
// fail open. It returns the number of proxies re-enabled.
func (m *Manager) HealthCheck(ctx context.Context) int {
	now := m.opts.Now()

	m.mu.Lock()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.opts.HealthInterval {
		m.mu.Unlock()
		return 0
	}
	m.lastCheck = now
	m.mu.Unlock()

	if m.opts.Prober == nil {
		return 0
	}

	if m.opts.Store != nil {
		won, err := m.opts.Store.SetNX(ctx, healthCheckKey, ulid.Make().String(), m.opts.HealthInterval)
		if err != nil {
			m.logger.Warn("health check election failed, probing locally", "error", err)
		} else if !won {
			m.logger.Debug("health check running elsewhere")
			return 0
		}
	}

	var candidates []*Record
	for _, r := range m.records {
		if r.enabled.Load() {
			continue
		}
		if now.Sub(unixNano(r.lastFailed.Load())) >= m.opts.Cooldown {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	n := m.probe(ctx, candidates, false)
	m.logger.Info("proxy health check complete",
		"probed", len(candidates),
		"reenabled", n,
	)
	return n
}

// ProbeAll probes every proxy now, outside the health check schedule.
// Proxies that fail are disabled at once. It returns the number that passed.
func (m *Manager) ProbeAll(ctx context.Context) int {
	if m.opts.Prober == nil {
		return 0
	}
	n := m.probe(ctx, m.records, true)
	m.logger.Info("proxy probe complete", "probed", len(m.records), "healthy", n)
	return n
}

// probe runs the prober over records with bounded concurrency and returns
// how many passed. disable marks failures as disabled.
func (m *Manager) probe(ctx context.Context, records []*Record, disable bool) int {
	var (
		wg     sync.WaitGroup
		passed atomic.Int32
		sem    = make(chan struct{}, m.opts.Concurrency)
	)
	for _, r := range records {
		wg.Add(1)
		go func(r *Record) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			latency, err := m.opts.Prober.Probe(ctx, r.Address)
			if err != nil {
				r.lastFailed.Store(m.opts.Now().UnixNano())
				if disable && r.enabled.CompareAndSwap(true, false) {
					m.logger.Warn("proxy disabled", "proxy", Redact(r.Address), "error", err)
				} else {
					m.logger.Debug("proxy probe failed", "proxy", Redact(r.Address), "error", err)
				}
				return
			}
			m.MarkSuccess(r.Address, latency)
			passed.Add(1)
		}(r)
	}
	wg.Wait()
	return int(passed.Load())
}

// Run runs HealthCheck on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.HealthCheck(ctx)
		}
	}
}
