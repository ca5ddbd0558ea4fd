// Package store persists health checks, incidents, and operations in SQLite.
// It owns the schema and serves the indexed queries the incident detector and
// the metrics engine run. Writes are durable before they are acknowledged.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

const (
	writeAttempts = 3
	retryBackoff  = 50 * time.Millisecond
)

// Store wraps the SQLite handle. Safe for concurrent use; SQLite serializes
// writers and the busy timeout absorbs short contention.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. The schema is idempotent, so Open is safe on every boot.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			type TEXT,
			payload TEXT,
			status TEXT NOT NULL,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_checks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			request_id TEXT NOT NULL,
			status TEXT NOT NULL,
			latency_ms REAL,
			http_code INTEGER,
			timestamp TEXT NOT NULL,
			is_timeout INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_checks_service_id
			ON health_checks(service, id DESC)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			started_at TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			resolved_at TEXT,
			severity TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL,
			resolution_action TEXT,
			mttd_seconds REAL NOT NULL,
			mttr_seconds REAL,
			detect_check_id INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_service_active
			ON incidents(service, resolved_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate store: %w", err)
		}
	}
	return nil
}

// execRetry runs a write statement, retrying a small bounded number of times
// when SQLite reports transient lock contention.
func (s *Store) execRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryBackoff):
		}
	}
	return nil, fmt.Errorf("store write failed after %d attempts: %w", writeAttempts, lastErr)
}

func retryable(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}
