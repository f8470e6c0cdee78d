package cookies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	cacheSize = 256
	cacheTTL  = 5 * time.Minute
)

// FileJar keeps one JSON file per domain under a directory, fronted by a
// small in-process cache.
type FileJar struct {
	dir    string
	ttl    time.Duration
	cache  *expirable.LRU[string, *Session]
	mu     sync.Mutex // serializes writers
	now    func() time.Time
	logger *slog.Logger
}

// NewFileJar creates the directory if needed. A non-positive ttl uses DefaultTTL.
func NewFileJar(dir string, ttl time.Duration, logger *slog.Logger) (*FileJar, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cookie directory: %w", err)
	}
	return &FileJar{
		dir:    dir,
		ttl:    ttl,
		cache:  expirable.NewLRU[string, *Session](cacheSize, nil, min(ttl, cacheTTL)),
		now:    time.Now,
		logger: logger,
	}, nil
}

func (j *FileJar) path(domain string) string {
	return filepath.Join(j.dir, domain+".json")
}

// Load returns the live session for rawURL's domain, or nil.
func (j *FileJar) Load(_ context.Context, rawURL string) (*Session, error) {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return nil, err
	}

	if s, ok := j.cache.Get(domain); ok {
		if s.Expired(j.now()) {
			j.cache.Remove(domain)
			return nil, nil
		}
		return s.clone(), nil
	}

	s, err := j.read(domain)
	if err != nil || s == nil {
		return nil, err
	}
	if s.Expired(j.now()) {
		return nil, nil
	}
	j.cache.Add(domain, s)
	return s.clone(), nil
}

func (j *FileJar) read(domain string) (*Session, error) {
	data, err := os.ReadFile(j.path(domain))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cookie session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		j.logger.Warn("discarding corrupt cookie session", "domain", domain, "error", err)
		return nil, nil
	}
	return &s, nil
}

// Save creates or refreshes the session for rawURL's domain. CreatedAt is
// kept from a live existing session.
func (j *FileJar) Save(_ context.Context, rawURL string, cookies []Cookie, userAgent string) error {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	s := &Session{
		Domain:    domain,
		Cookies:   append([]Cookie(nil), cookies...),
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(j.ttl),
	}
	if prev, err := j.read(domain); err == nil && prev != nil && !prev.Expired(now) {
		s.CreatedAt = prev.CreatedAt
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookie session: %w", err)
	}
	if err := writeAtomic(j.dir, j.path(domain), data); err != nil {
		return err
	}

	j.cache.Add(domain, s)
	j.logger.Debug("cookie session saved", "domain", domain, "cookies", len(cookies))
	return nil
}

// writeAtomic writes to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cookie session: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cookie session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("failed to replace cookie session: %w", err)
	}
	return nil
}

// Delete removes the session for rawURL's domain.
func (j *FileJar) Delete(_ context.Context, rawURL string) error {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.cache.Remove(domain)
	if err := os.Remove(j.path(domain)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete cookie session: %w", err)
	}
	return nil
}

// Cleanup removes expired and unreadable session files.
func (j *FileJar) Cleanup(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list cookie sessions: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		domain := strings.TrimSuffix(name, ".json")

		s, err := j.read(domain)
		if err != nil {
			continue
		}
		if s != nil && !s.Expired(now) {
			continue
		}
		if err := os.Remove(j.path(domain)); err == nil {
			j.cache.Remove(domain)
			removed++
		}
	}

	if removed > 0 {
		j.logger.Info("cleaned up cookie sessions", "count", removed)
	}
	return removed, nil
}

// Close is a no-op; files are written synchronously.
func (j *FileJar) Close() error { return nil }
