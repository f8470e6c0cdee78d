// Package coord provides the shared key-value store used to coordinate rate
// limits, token refreshes and proxy health checks across processes.
//
// Every backend implements the same atomic primitives: set-if-absent with a
// TTL, compare-and-delete, increment, and a sliding-window append that adds,
// prunes and counts in one step.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("coord: key not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coord: store closed")
)

// Window is the state of a sliding window after an append.
type Window struct {
	// Count is the number of entries inside the window, including the new
	// entry when Added is true.
	Count int64
	// Oldest is the timestamp of the oldest entry still inside the window.
	Oldest time.Time
	// Added reports whether the entry was recorded. Appends are refused once
	// the window already holds limit entries.
	Added bool
}

// Store is the coordination store contract.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments an integer value, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfValue deletes key only when it currently holds value.
	DelIfValue(ctx context.Context, key, value string) (bool, error)
	// WindowAdd prunes entries at or before at-period, then records member at
	// time at unless the window already holds limit entries. limit <= 0
	// disables the check.
	WindowAdd(ctx context.Context, key, member string, at time.Time, period time.Duration, limit int64) (Window, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by backends without native key expiry. Sweep
// deletes expired keys and window entries older than maxAge and reports how
// many it removed.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int64, error)
}

// RunSweeper sweeps store on interval until ctx is done. It returns at once
// for backends that expire keys themselves.
func RunSweeper(ctx context.Context, store Store, interval, maxAge time.Duration, logger *slog.Logger) {
	sw, ok := store.(Sweeper)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sw.Sweep(ctx, maxAge)
			if err != nil {
				logger.Warn("coordination sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("coordination store swept", "removed", n)
			}
		}
	}
}

// Options selects and configures a backend.
type Options struct {
	Backend         string // redis, sqlite, libsql, memory
	RedisURL        string
	SQLitePath      string
	LibSQLURL       string
	LibSQLAuthToken string
	DialTimeout     time.Duration
}

// Open connects the configured backend. When the backend cannot be reached
// the error is logged and an in-process MemoryStore is returned instead, so
// the service still starts; coordination is then process-local.
func Open(ctx context.Context, opts Options, logger *slog.Logger) Store {
	store, err := open(ctx, opts)
	if err != nil {
		logger.Warn("coordination store unavailable, using in-process store",
			"backend", opts.Backend,
			"error", err,
		)
		return NewMemoryStore()
	}
	logger.Info("coordination store ready", "backend", opts.Backend)
	return store
}

func open(ctx context.Context, opts Options) (Store, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	var (
		store Store
		err   error
	)
	switch opts.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		store, err = OpenRedis(opts.RedisURL)
	case "sqlite":
		store, err = OpenSQLite(opts.SQLitePath)
	case "libsql":
		store, err = OpenLibSQL(opts.LibSQLURL, opts.LibSQLAuthToken)
	default:
		return nil, fmt.Errorf("unknown coordination backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Backend, err)
	}
	return store, nil
}
