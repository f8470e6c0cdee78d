package coord

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql" // libsql:// and http(s):// remote databases
	_ "modernc.org/sqlite"                               // Pure Go SQLite driver
)

// SQLStore implements Store on a SQLite-dialect database. It serves both a
// local modernc SQLite file shared by processes on one host and a remote
// libsql server shared by a fleet.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) a SQLite file. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLStore, error) {
	var connStr string
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = path + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite is single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenLibSQL connects to a libsql server such as Turso or sqld.
func OpenLibSQL(dbURL, authToken string) (*SQLStore, error) {
	if dbURL == "" {
		return nil, errors.New("libsql url is required")
	}
	dsn := dbURL
	if authToken != "" {
		u, err := url.Parse(dbURL)
		if err != nil {
			return nil, fmt.Errorf("parse libsql url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open libsql: %w", err)
	}
	store, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and creates the schema.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS coord_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS coord_window (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			at INTEGER NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coord_window_key_at ON coord_window(key, at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// millis converts to the unix-millisecond representation stored in the tables.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func (s *SQLStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return millis(s.now().Add(ttl))
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM coord_kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, millis(s.now()),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coord_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`,
		key, value, s.expiresAt(ttl),
	)
	return err
}

func (s *SQLStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO coord_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at
		WHERE coord_kv.expires_at != 0 AND coord_kv.expires_at <= ?`,
		key, value, s.expiresAt(ttl), millis(s.now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Incr(ctx context.Context, key string) (int64, error) {
	now := millis(s.now())
	var raw string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO coord_kv (key, value, expires_at) VALUES (?, '1', 0)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN coord_kv.expires_at != 0 AND coord_kv.expires_at <= ?
				THEN '1'
				ELSE CAST(CAST(coord_kv.value AS INTEGER) + 1 AS TEXT) END,
			expires_at = CASE WHEN coord_kv.expires_at != 0 AND coord_kv.expires_at <= ?
				THEN 0
				ELSE coord_kv.expires_at END
		RETURNING value`,
		key, now, now,
	).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *SQLStore) Del(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM coord_kv WHERE key = ?`, k); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM coord_window WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) DelIfValue(ctx context.Context, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM coord_kv WHERE key = ? AND value = ? AND (expires_at = 0 OR expires_at > ?)`,
		key, value, millis(s.now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// WindowAdd runs prune, count and insert in one transaction. The leading
// DELETE takes the write lock, so concurrent appends on the same database
// are serialized.
func (s *SQLStore) WindowAdd(ctx context.Context, key, member string, at time.Time, period time.Duration, limit int64) (Window, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Window{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM coord_window WHERE key = ? AND at <= ?`,
		key, millis(at.Add(-period)),
	); err != nil {
		return Window{}, err
	}

	var (
		count  int64
		oldest sql.NullInt64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(at) FROM coord_window WHERE key = ?`, key,
	).Scan(&count, &oldest); err != nil {
		return Window{}, err
	}

	w := Window{Count: count}
	if oldest.Valid {
		w.Oldest = time.UnixMilli(oldest.Int64)
	}

	if limit <= 0 || count < limit {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO coord_window (key, member, at) VALUES (?, ?, ?) ON CONFLICT(key, member) DO NOTHING`,
			key, member, millis(at),
		); err != nil {
			return Window{}, err
		}
		w.Count++
		w.Added = true
		if !oldest.Valid || millis(at) < oldest.Int64 {
			w.Oldest = time.UnixMilli(millis(at))
		}
	}

	if err := tx.Commit(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Sweep removes expired keys and window entries older than maxAge.
func (s *SQLStore) Sweep(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM coord_kv WHERE expires_at != 0 AND expires_at <= ?`, millis(now))
	if err != nil {
		return 0, err
	}
	kv, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`DELETE FROM coord_window WHERE at <= ?`, millis(now.Add(-maxAge)))
	if err != nil {
		return kv, err
	}
	win, _ := res.RowsAffected()
	return kv + win, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
