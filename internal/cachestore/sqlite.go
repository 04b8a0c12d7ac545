// Package cachestore persists the subrequest cache in SQLite.
package cachestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"

	"github.com/cryguy/fetch/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name TEXT NOT NULL,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	headers    TEXT NOT NULL,
	body       BLOB,
	expires_at INTEGER,
	PRIMARY KEY (cache_name, url)
)`

// Store is a core.CacheStore backed by a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ core.CacheStore = (*Store)(nil)

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	// Enable WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	return newStore(db)
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening in-memory cache database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return newStore(db)
}

func newStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Match returns the live entry for url, or nil. Expired entries are removed.
func (s *Store) Match(cacheName, url string) (*core.CacheEntry, error) {
	var (
		e       core.CacheEntry
		expires sql.NullInt64
	)
	err := s.db.QueryRow(
		`SELECT status, headers, body, expires_at FROM cache_entries WHERE cache_name = ? AND url = ?`,
		cacheName, url,
	).Scan(&e.Status, &e.Headers, &e.Body, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache match: %w", err)
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0)
		if !t.After(s.now()) {
			if _, err := s.Delete(cacheName, url); err != nil {
				return nil, err
			}
			return nil, nil
		}
		e.ExpiresAt = &t
	}
	return &e, nil
}

// Put stores an entry, replacing any previous one. A nil or non-positive
// ttl stores the entry without expiry.
func (s *Store) Put(cacheName, url string, status int, headers string, body []byte, ttl *int) error {
	var expires sql.NullInt64
	if ttl != nil && *ttl > 0 {
		expires = sql.NullInt64{Int64: s.now().Add(time.Duration(*ttl) * time.Second).Unix(), Valid: true}
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO cache_entries (cache_name, url, status, headers, body, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cacheName, url, status, headers, body, expires,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Delete removes the entry for url and reports whether one existed.
func (s *Store) Delete(cacheName, url string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE cache_name = ? AND url = ?`, cacheName, url)
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cache delete: %w", err)
	}
	return n > 0, nil
}
