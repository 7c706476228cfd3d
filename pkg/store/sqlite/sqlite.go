// Package sqlite implements [store.KV] on a local SQLite database using the
// pure-Go modernc.org/sqlite driver (no CGO). This is the production store:
// it survives process restarts, works fully offline, and needs no server.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/sotto-voice/sotto/pkg/store"
)

// schema creates the single kv table. UpdatedAt is stored as Unix
// milliseconds so ordering comparisons are integer comparisons.
const schema = `
CREATE TABLE IF NOT EXISTS kv (
	ns         TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (ns, key)
);
CREATE INDEX IF NOT EXISTS idx_kv_ns_key ON kv (ns, key);
`

// Store is a SQLite-backed [store.KV]. Safe for concurrent use; all access is
// serialized through a single connection because SQLite does not handle
// concurrent writers well.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Compile-time interface check.
var _ store.KV = (*Store)(nil)

// Open creates (if needed) and opens the database at path, applying the
// schema. The parent directory is created when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// Single connection only — all access is serialized through it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get implements [store.KV].
func (s *Store) Get(ctx context.Context, ns, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE ns = ? AND key = ?`, ns, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s/%s: %w", ns, key, err)
	}
	return value, nil
}

// Put implements [store.KV].
func (s *Store) Put(ctx context.Context, ns, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (ns, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ns, key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put %s/%s: %w", ns, key, err)
	}
	return nil
}

// Delete implements [store.KV].
func (s *Store) Delete(ctx context.Context, ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE ns = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("sqlite: delete %s/%s: %w", ns, key, err)
	}
	return nil
}

// List implements [store.KV]. Prefix matching uses LIKE with escaped
// metacharacters so prefixes containing % or _ behave literally.
func (s *Store) List(ctx context.Context, ns, prefix string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM kv
		 WHERE ns = ? AND key LIKE ? ESCAPE '\'
		 ORDER BY key`, ns, pattern)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list %s/%s*: %w", ns, prefix, err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var (
			e  store.Entry
			ms int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &ms); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", ns, err)
		}
		e.UpdatedAt = time.UnixMilli(ms)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list %s/%s*: %w", ns, prefix, err)
	}
	return entries, nil
}

// Close implements [store.KV].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// escapeLike escapes SQLite LIKE metacharacters in s using backslash.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
