package coord

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	member string
	at     time.Time
}

// MemoryStore is a process-local Store. It is used in tests, for single
// replica deployments and as the fallback when the configured backend is down.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]memEntry
	windows map[string][]windowEntry
	now     func() time.Time
	closed  bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]memEntry),
		windows: make(map[string][]windowEntry),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for TTL expiry. Intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// lookup returns the live entry for key, dropping it if expired. Caller holds mu.
func (s *MemoryStore) lookup(key string) (memEntry, bool) {
	e, ok := s.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}
	e, ok := s.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.values[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.values[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	e, ok := s.lookup(key)
	var n int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.values[key] = e
	return n, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.values, k)
		delete(s.windows, k)
	}
	return nil
}

func (s *MemoryStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *MemoryStore) WindowAdd(_ context.Context, key, member string, at time.Time, period time.Duration, limit int64) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Window{}, ErrClosed
	}

	cutoff := at.Add(-period)
	entries := s.windows[key]
	kept := entries[:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}

	w := Window{Count: int64(len(kept))}
	if limit <= 0 || w.Count < limit {
		kept = append(kept, windowEntry{member: member, at: at})
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].at.Before(kept[j].at) })
		w.Count++
		w.Added = true
	}
	if len(kept) > 0 {
		w.Oldest = kept[0].at
	}
	s.windows[key] = kept
	return w, nil
}

// Sweep removes expired keys and window entries older than maxAge. Windows
// left empty are dropped with them.
func (s *MemoryStore) Sweep(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := s.now()
	var removed int64
	for key, e := range s.values {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.values, key)
			removed++
		}
	}

	cutoff := now.Add(-maxAge)
	for key, entries := range s.windows {
		kept := entries[:0]
		for _, e := range entries {
			if e.at.After(cutoff) {
				kept = append(kept, e)
			}
		}
		removed += int64(len(entries) - len(kept))
		if len(kept) == 0 {
			delete(s.windows, key)
			continue
		}
		s.windows[key] = kept
	}
	return removed, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
