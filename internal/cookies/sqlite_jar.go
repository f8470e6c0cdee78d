package cookies

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteJar stores sessions in a SQLite table.
type SQLiteJar struct {
	db       *sql.DB
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
	isMemory bool
}

// NewSQLiteJar opens (creating if needed) the database at dbPath.
// ":memory:" gives an in-memory database.
func NewSQLiteJar(dbPath string, ttl time.Duration, logger *slog.Logger) (*SQLiteJar, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var connStr string
	isMemory := dbPath == ":memory:"
	if isMemory {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	j := &SQLiteJar{db: db, ttl: ttl, now: time.Now, logger: logger, isMemory: isMemory}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite cookie jar initialized", "path", dbPath, "in_memory", isMemory)
	return j, nil
}

func (j *SQLiteJar) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cookie_sessions (
		domain TEXT PRIMARY KEY,
		user_agent TEXT NOT NULL DEFAULT '',
		cookies_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cookie_sessions_expires_at ON cookie_sessions(expires_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Load returns the live session for rawURL's domain, or nil.
func (j *SQLiteJar) Load(ctx context.Context, rawURL string) (*Session, error) {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return nil, err
	}

	var (
		s           = Session{Domain: domain}
		cookiesJSON string
		created     int64
		expires     int64
	)
	err = j.db.QueryRowContext(ctx, `
		SELECT user_agent, cookies_json, created_at, expires_at
		FROM cookie_sessions
		WHERE domain = ? AND expires_at > ?`,
		domain, j.now().UnixMilli(),
	).Scan(&s.UserAgent, &cookiesJSON, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cookie session: %w", err)
	}

	s.CreatedAt = time.UnixMilli(created)
	s.ExpiresAt = time.UnixMilli(expires)
	if err := json.Unmarshal([]byte(cookiesJSON), &s.Cookies); err != nil {
		j.logger.Warn("failed to unmarshal cookies", "domain", domain, "error", err)
		return nil, nil
	}
	return &s, nil
}

// Save creates or refreshes the session. created_at survives refreshes of
// a live row and is reset when the row had expired.
func (j *SQLiteJar) Save(ctx context.Context, rawURL string, cookies []Cookie, userAgent string) error {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return err
	}
	if cookies == nil {
		cookies = []Cookie{}
	}
	cookiesJSON, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	now := j.now()
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO cookie_sessions (domain, user_agent, cookies_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			user_agent = excluded.user_agent,
			cookies_json = excluded.cookies_json,
			created_at = CASE WHEN cookie_sessions.expires_at > excluded.created_at
				THEN cookie_sessions.created_at
				ELSE excluded.created_at END,
			expires_at = excluded.expires_at`,
		domain, userAgent, string(cookiesJSON), now.UnixMilli(), now.Add(j.ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cookie session: %w", err)
	}

	j.logger.Debug("cookie session persisted", "domain", domain, "cookies", len(cookies))
	return nil
}

// Delete removes the session for rawURL's domain.
func (j *SQLiteJar) Delete(ctx context.Context, rawURL string) error {
	domain, err := DomainKey(rawURL)
	if err != nil {
		return err
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM cookie_sessions WHERE domain = ?", domain); err != nil {
		return fmt.Errorf("failed to delete cookie session: %w", err)
	}
	return nil
}

// Cleanup removes expired sessions and vacuums when anything was removed.
func (j *SQLiteJar) Cleanup(ctx context.Context) (int, error) {
	result, err := j.db.ExecContext(ctx,
		"DELETE FROM cookie_sessions WHERE expires_at <= ?", j.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup cookie sessions: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		j.logger.Info("cleaned up cookie sessions", "count", count)
		if _, err := j.db.ExecContext(ctx, "VACUUM"); err != nil {
			j.logger.Warn("failed to vacuum after cleanup", "error", err)
		}
	}
	return int(count), nil
}

// Close checkpoints the WAL for file databases and closes the connection.
func (j *SQLiteJar) Close() error {
	if !j.isMemory {
		if _, err := j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			j.logger.Warn("failed to checkpoint WAL before close", "error", err)
		}
	}
	return j.db.Close()
}

// Open returns the jar selected by backend: "file" (default) or "sqlite".
func Open(backend, dir, dbPath string, ttl time.Duration, logger *slog.Logger) (Jar, error) {
	switch backend {
	case "", "file":
		return NewFileJar(dir, ttl, logger)
	case "sqlite":
		return NewSQLiteJar(dbPath, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown cookie backend %q", backend)
	}
}
