// Package token serves a short-lived third-party bearer token. The token is
// cached in the coordination store, refreshed by one process at a time
// under a store lock, and minted at most a capped number of times per
// rolling day.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/acquire/internal/coord"
)

var (
	// ErrRefreshInProgress is returned while another process holds the
	// refresh lock. Retry shortly.
	ErrRefreshInProgress = errors.New("token refresh in progress")
	// ErrInvalidCredentials means the client credentials are missing or
	// were rejected. Retrying will not help.
	ErrInvalidCredentials = errors.New("invalid client credentials")
	// ErrUnavailable wraps every other refresh failure.
	ErrUnavailable = errors.New("token service unavailable")
)

// refreshRetry is the hint given with ErrRefreshInProgress.
const refreshRetry = 2 * time.Second

// QuotaError is returned when the daily mint cap is reached.
type QuotaError struct {
	Cap     int
	ResetAt time.Time
	wait    time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("token mint cap of %d reached until %s", e.Cap, e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaError) RetryAfter() time.Duration {
	return e.wait
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.RetryAfter(), true
	}
	if errors.Is(err, ErrRefreshInProgress) {
		return refreshRetry, true
	}
	return 0, false
}

// Record is a cached token together with the mint window it was counted in.
type Record struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	MintCount   int       `json:"mint_count"`
	MintReset   time.Time `json:"mint_reset"`
}

// Options configures a Manager.
type Options struct {
	Prefix       string        // store key prefix, default "third_party:token"
	MintCap      int           // default 900
	MintWindow   time.Duration // default 24h
	Buffer       time.Duration // read-time safety buffer, default 60s
	ExpiryMargin time.Duration // subtracted from expires_in at mint, default 5m, at most a quarter of it
	LockTTL      time.Duration // default 60s
	Now          func() time.Time
}

// Manager serves tokens from the cache and refreshes them when they expire.
type Manager struct {
	store  coord.Store
	minter Minter
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	keys struct {
		record, lock, mintCount, mintReset string
	}

	// refresh serializes refreshes inside this process.
	refresh chan struct{}

	// degraded-mode state, used while the store is unreachable
	mu         sync.Mutex
	local      *Record
	localMints int
	localReset time.Time
}

// NewManager creates a manager that mints through minter.
func NewManager(store coord.Store, minter Minter, opts Options, logger *slog.Logger) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "third_party:token"
	}
	if opts.MintCap <= 0 {
		opts.MintCap = 900
	}
	if opts.MintWindow <= 0 {
		opts.MintWindow = 24 * time.Hour
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 60 * time.Second
	}
	if opts.ExpiryMargin <= 0 {
		opts.ExpiryMargin = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		store:   store,
		minter:  minter,
		opts:    opts,
		logger:  logger,
		now:     opts.Now,
		refresh: make(chan struct{}, 1),
	}
	m.keys.record = opts.Prefix + ":access_token"
	m.keys.lock = opts.Prefix + ":lock"
	m.keys.mintCount = opts.Prefix + ":mint_count"
	m.keys.mintReset = opts.Prefix + ":mint_reset"
	return m
}

// Token returns a valid access token.
func (m *Manager) Token(ctx context.Context) (string, error) {
	rec, err := m.Record(ctx)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// Record returns the cached token, refreshing it when it is within the
// safety buffer of expiry.
func (m *Manager) Record(ctx context.Context) (*Record, error) {
	rec, err := m.cached(ctx)
	if err != nil {
		m.logger.Warn("token store unavailable, using in-process cache", "error", err)
		return m.recordLocal(ctx)
	}
	if rec != nil {
		return rec, nil
	}

	select {
	case m.refresh <- struct{}{}:
		defer func() { <-m.refresh }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// a refresh in this process may have finished while we waited
	if rec, err := m.cached(ctx); err == nil && rec != nil {
		return rec, nil
	}
	return m.refreshShared(ctx)
}

// cached returns the stored record, or nil when it is missing or inside
// the safety buffer.
func (m *Manager) cached(ctx context.Context) (*Record, error) {
	raw, err := m.store.Get(ctx, m.keys.record)
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.logger.Warn("discarding unreadable cached token", "error", err)
		return nil, nil
	}
	if !m.fresh(&rec) {
		return nil, nil
	}
	return &rec, nil
}

func (m *Manager) fresh(rec *Record) bool {
	return rec != nil && rec.AccessToken != "" && m.now().Add(m.opts.Buffer).Before(rec.ExpiresAt)
}

func (m *Manager) refreshShared(ctx context.Context) (*Record, error) {
	owner := ulid.Make().String()
	locked, err := m.store.SetNX(ctx, m.keys.lock, owner, m.opts.LockTTL)
	if err != nil {
		m.logger.Warn("token lock unavailable, using in-process cache", "error", err)
		return m.recordLocal(ctx)
	}
	if !locked {
		return nil, ErrRefreshInProgress
	}
	defer func() {
		if _, err := m.store.DelIfValue(context.WithoutCancel(ctx), m.keys.lock, owner); err != nil {
			m.logger.Warn("failed to release token lock", "error", err)
		}
	}()

	// another process may have refreshed before we took the lock
	if rec, err := m.cached(ctx); err == nil && rec != nil {
		return rec, nil
	}

	count, reset, err := m.mintWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if count >= m.opts.MintCap {
		m.logger.Error("token mint cap reached", "cap", m.opts.MintCap, "reset_at", reset)
		return nil, m.quotaError(reset)
	}

	m.logger.Info("minting access token", "mints_today", count)
	grant, err := m.mint(ctx)
	if err != nil {
		return nil, err
	}

	rec := m.record(grant)
	n, err := m.store.Incr(ctx, m.keys.mintCount)
	if err != nil {
		m.logger.Warn("failed to count token mint", "error", err)
		n = int64(count + 1)
	}
	rec.MintCount = int(n)
	rec.MintReset = reset

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := m.store.Set(ctx, m.keys.record, string(raw), grant.ExpiresIn); err != nil {
		m.logger.Warn("failed to cache access token", "error", err)
	}
	return rec, nil
}

// mintWindow returns the mints counted in the current window, starting a
// new window when the stored reset instant has passed.
func (m *Manager) mintWindow(ctx context.Context) (int, time.Time, error) {
	now := m.now()
	raw, err := m.store.Get(ctx, m.keys.mintReset)
	if err != nil && !errors.Is(err, coord.ErrNotFound) {
		return 0, time.Time{}, err
	}

	if secs, perr := strconv.ParseInt(raw, 10, 64); err == nil && perr == nil {
		if reset := time.Unix(secs, 0); now.Before(reset) {
			count, err := m.mintCount(ctx)
			return count, reset, err
		}
	}

	reset := now.Add(m.opts.MintWindow)
	if err := m.store.Set(ctx, m.keys.mintCount, "0", m.opts.MintWindow); err != nil {
		return 0, time.Time{}, err
	}
	if err := m.store.Set(ctx, m.keys.mintReset, strconv.FormatInt(reset.Unix(), 10), m.opts.MintWindow); err != nil {
		return 0, time.Time{}, err
	}
	m.logger.Info("token mint window started", "reset_at", reset)
	return 0, reset, nil
}

func (m *Manager) mintCount(ctx context.Context) (int, error) {
	raw, err := m.store.Get(ctx, m.keys.mintCount)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

func (m *Manager) mint(ctx context.Context) (Grant, error) {
	grant, err := m.minter.Mint(ctx)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		m.logger.Error("token mint rejected credentials")
		return Grant{}, err
	case err != nil:
		m.logger.Error("token mint failed", "error", err)
		return Grant{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if grant.TokenType == "" {
		grant.TokenType = "Bearer"
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = 7200 * time.Second
	}
	return grant, nil
}

// record stamps the grant's expiry. The margin is capped at a quarter of
// the lifetime so short-lived tokens are still served for most of it.
func (m *Manager) record(g Grant) *Record {
	margin := min(m.opts.ExpiryMargin, g.ExpiresIn/4)
	return &Record{
		AccessToken: g.AccessToken,
		TokenType:   g.TokenType,
		ExpiresAt:   m.now().Add(g.ExpiresIn - margin),
	}
}

func (m *Manager) quotaError(reset time.Time) *QuotaError {
	wait := reset.Sub(m.now())
	if wait < time.Second {
		wait = time.Second
	}
	return &QuotaError{Cap: m.opts.MintCap, ResetAt: reset, wait: wait}
}

// recordLocal serves the token from process memory while the store is down.
// Refreshes are serialized by m.mu, so only one mint happens per process.
func (m *Manager) recordLocal(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fresh(m.local) {
		rec := *m.local
		return &rec, nil
	}

	now := m.now()
	if m.localReset.IsZero() || !now.Before(m.localReset) {
		m.localMints = 0
		m.localReset = now.Add(m.opts.MintWindow)
	}
	if m.localMints >= m.opts.MintCap {
		return nil, m.quotaError(m.localReset)
	}

	grant, err := m.mint(ctx)
	if err != nil {
		return nil, err
	}
	m.localMints++
	m.local = m.record(grant)
	m.local.MintCount = m.localMints
	m.local.MintReset = m.localReset

	rec := *m.local
	return &rec, nil
}
