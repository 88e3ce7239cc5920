// Package db opens the SQLite file behind the sync ledger.
package db

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/regionsync/internal/utils"
)

const Memory = ":memory:"

// Synchronous modes, see https://sqlite.org/pragma.html#pragma_synchronous
const (
	SyncNormal = "NORMAL"
	SyncFull   = "FULL"
)

type options struct {
	synchronous string
	busyTimeout time.Duration
}

type Option func(*options)

// WithSynchronous overrides the default FULL mode.
func WithSynchronous(mode string) Option {
	return func(o *options) {
		o.synchronous = mode
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		o.busyTimeout = d
	}
}

// Open opens path (or Memory) over a single connection in WAL mode. Pragmas
// are per connection in SQLite, so the pool is pinned to one.
func Open(path string, opts ...Option) (*sqlx.DB, error) {
	o := options{synchronous: SyncFull, busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := Memory
	if path != Memory {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	slog.Debug("db open", "driver", driver.module, "path", path, "synchronous", o.synchronous)
	conn, err := sqlx.Connect(driver.name, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
		"PRAGMA synchronous=" + o.synchronous,
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// Migrate applies the migrations past the stored user_version, each in its
// own transaction. migrations[i] moves the schema to version i+1.
func Migrate(conn *sqlx.DB, migrations []string) error {
	var current int
	if err := conn.Get(&current, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := conn.Beginx()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		// PRAGMA does not take bind parameters
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		slog.Debug("db migrated", "version", v+1)
	}
	return nil
}

// CheckIntegrity runs quick_check and returns its findings as an error.
func CheckIntegrity(conn *sqlx.DB) error {
	var results []string
	if err := conn.Select(&results, "PRAGMA quick_check"); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if len(results) == 1 && results[0] == "ok" {
		return nil
	}
	return fmt.Errorf("database is corrupt: %s", strings.Join(results, "; "))
}
