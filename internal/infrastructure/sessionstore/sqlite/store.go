// Package sqlite keeps one durable session snapshot per key in a local
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kirillkom/scan-grader/internal/core/domain"
)

type Store struct {
	db *sql.DB
}

// Open creates the database file and its schema when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "./data/sessions.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	key TEXT PRIMARY KEY,
	record TEXT NOT NULL,
	saved_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_saved_at ON session_snapshots(saved_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create session schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, key string) (*domain.SessionRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM session_snapshots WHERE key = ?`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session snapshot: %w", err)
	}

	var rec domain.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, domain.WrapError(domain.ErrUnrecoverableSession, "decode session snapshot", err)
	}
	return &rec, nil
}

// Save replaces the snapshot held for key.
func (s *Store) Save(ctx context.Context, key string, record domain.SessionRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO session_snapshots (key, record, saved_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET record = excluded.record, saved_at = excluded.saved_at
`, key, string(raw), record.Timestamp)
	if err != nil {
		return fmt.Errorf("save session snapshot: %w", err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear session snapshot: %w", err)
	}
	return nil
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE saved_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge session snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge session snapshots: %w", err)
	}
	return int(n), nil
}
