// Package kv provides a namespaced, sqlite-backed persistent key/value
// store standing in for the out-of-scope hardware NVS/LittleFS on the node
// and for general config/preset/OTA-state persistence on the hub.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Namespaces used across the hub and node processes.
const (
	NamespaceConfig  = "cfg"
	NamespacePresets = "presets"
	NamespaceOTA     = "ota"
)

// Store is a namespaced key/value store backed by sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a sqlite database at path and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("kv store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create kv store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("kv store opened", "path", path)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	updated_at_unix_ms INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate kv schema: %w", err)
	}
	return nil
}

// Put upserts value under namespace/key.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, updated_at_unix_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at_unix_ms = excluded.updated_at_unix_ms`,
		namespace, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the value stored under namespace/key, and whether it existed.
// A decode error or missing row both surface as ok=false so callers can
// fall back to defaults rather than failing bring-up.
func (s *Store) Get(ctx context.Context, namespace, key string) (value []byte, ok bool) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	var v []byte
	if err := row.Scan(&v); err != nil {
		if err != sql.ErrNoRows {
			slog.Warn("kv get failed, falling back to defaults", "namespace", namespace, "key", key, "err", err)
		}
		return nil, false
	}
	return v, true
}

// Delete removes namespace/key, if present.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all keys currently stored under namespace.
func (s *Store) List(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
