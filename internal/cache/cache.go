// Package cache is a small sqlite-backed read-through store for upstream
// provider snapshots. It keeps repeat lookups off the upstream APIs; plans
// and assessments themselves are never persisted.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbName = "psma-cache.db"

var ErrMiss = errors.New("cache miss")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    provider     TEXT NOT NULL,
    cache_key    TEXT NOT NULL,
    payload      BLOB NOT NULL,
    retrieved_at TEXT NOT NULL,
    PRIMARY KEY (provider, cache_key)
);
`

type Store struct {
	db  *sql.DB
	ttl time.Duration
	Now func() time.Time
}

// Open creates the cache directory and database if needed.
func Open(dir string, ttl time.Duration) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared", filepath.Join(dir, dbName))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &Store{db: db, ttl: ttl, Now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Get returns the cached payload for provider/key, or ErrMiss when absent
// or older than the TTL.
func (s *Store) Get(ctx context.Context, provider, key string) ([]byte, error) {
	var payload []byte
	var retrievedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, retrieved_at FROM snapshots WHERE provider=? AND cache_key=?`,
		provider, key).Scan(&payload, &retrievedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, retrievedAt)
	if err != nil {
		return nil, ErrMiss
	}
	if s.now().After(ts.Add(s.ttl)) {
		return nil, ErrMiss
	}
	return payload, nil
}

// Put stores or replaces a payload.
func (s *Store) Put(ctx context.Context, provider, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots(provider, cache_key, payload, retrieved_at) VALUES (?,?,?,?)
		 ON CONFLICT(provider, cache_key) DO UPDATE SET payload=excluded.payload, retrieved_at=excluded.retrieved_at`,
		provider, key, payload, s.now().UTC().Format(time.RFC3339))
	return err
}
