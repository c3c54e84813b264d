// CLAUDE:SUMMARY Persisted per-namespace settings: SQLite key-value store whose writes drive data_version hot reload.
// Package settings persists per-namespace key-value entries in SQLite. The
// theme resolver reads it as an opaque best-effort store; writes bump
// updated_at and SQLite's data_version, which the watch package polls for
// hot reload.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/carnet/dbopen"
)

// Schema for the settings table. Applied by Init.
const Schema = `
CREATE TABLE IF NOT EXISTS settings (
    namespace  TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

// ErrNotFound is returned by Get when no entry exists for the key.
var ErrNotFound = errors.New("settings: not found")

// Entry is one persisted setting.
type Entry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the namespaced settings store.
type Store struct {
	db *sql.DB
}

// New creates a Store on the given database. Call Init before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the settings table if it does not exist.
func (s *Store) Init() error {
	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("settings: init: %w", err)
	}
	return nil
}

// Get returns the value for namespace/key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE namespace = ? AND key = ?",
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings: get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Put upserts the entry and bumps updated_at. Retries on SQLITE_BUSY.
func (s *Store) Put(ctx context.Context, namespace, key, value string) error {
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO settings (namespace, key, value, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("settings: put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes the entry. Deleting an absent entry is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := dbopen.Exec(ctx, s.db,
		"DELETE FROM settings WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		return fmt.Errorf("settings: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all entries in a namespace ordered by key.
func (s *Store) List(ctx context.Context, namespace string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT namespace, key, value, updated_at FROM settings WHERE namespace = ? ORDER BY key",
		namespace)
	if err != nil {
		return nil, fmt.Errorf("settings: list %s: %w", namespace, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		if err := rows.Scan(&e.Namespace, &e.Key, &e.Value, &ts); err != nil {
			return nil, fmt.Errorf("settings: scan: %w", err)
		}
		e.UpdatedAt = time.Unix(ts, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
