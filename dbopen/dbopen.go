// Package dbopen opens carnet's SQLite databases with the pragmas the
// daemon depends on, so no call site can forget one:
//
//	foreign_keys = ON      referential integrity for policy rules
//	journal_mode = WAL     concurrent admin reads during mount writes
//	busy_timeout = 10000   writers wait instead of failing fast
//	synchronous  = NORMAL  WAL-safe durability at lower fsync cost
//
// The driver is modernc.org/sqlite, blank-imported by the caller:
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("carnet.db", dbopen.WithSchema(settings.Schema))
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

type config struct {
	busyTimeoutMs int
	synchronous   string
	foreignKeys   bool
	mkdirAll      bool
	schemas       []string
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout overrides PRAGMA busy_timeout (milliseconds).
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeoutMs = ms } }

// WithSynchronous overrides PRAGMA synchronous.
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithoutForeignKeys turns PRAGMA foreign_keys off.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// WithMkdirAll creates missing parent directories of the database path.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues DDL to run once the pragmas are in place. Repeat the
// option to layer independent schemas onto one database.
func WithSchema(ddl string) Option { return func(c *config) { c.schemas = append(c.schemas, ddl) } }

// Open opens the database at path, applies the pragmas, runs any queued
// schemas, and verifies the connection with a ping.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeoutMs: 10_000, synchronous: "NORMAL", foreignKeys: true}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if err := bootstrap(db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping: %w", err)
	}
	return db, nil
}

// OpenMemory opens a throwaway in-memory database for tests, closed via
// t.Cleanup. MaxOpenConns is pinned to 1 because every new connection to
// ":memory:" would otherwise get its own empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func bootstrap(db *sql.DB, cfg config) error {
	fk := "ON"
	if !cfg.foreignKeys {
		fk = "OFF"
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = " + fk,
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeoutMs),
		"PRAGMA synchronous = " + cfg.synchronous,
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("dbopen: %s: %w", pragma, err)
		}
	}
	for _, ddl := range cfg.schemas {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("dbopen: apply schema: %w", err)
		}
	}
	return nil
}
