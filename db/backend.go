// Package db abstracts the database backends the migration engine runs
// against: networked PostgreSQL (via the pgx stdlib driver) and embedded
// SQLite (via modernc.org/sqlite). Backend capabilities are computed once at
// startup and carried as a value, never re-derived from connection strings
// mid-flight.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	_ "modernc.org/sqlite"             // pure-Go sqlite driver
)

// Dialect identifies the SQL dialect of a backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Capabilities describes what a backend supports. It is computed once when
// the backend is opened; every decision the engine makes about locking,
// transactions, and extensions reads from this value.
type Capabilities struct {
	Dialect                    Dialect
	SupportsAdvisoryLocks      bool
	SupportsNativeTransactions bool
	SupportsExtensions         bool
}

// PostgresCapabilities is the capability set for a networked PostgreSQL.
func PostgresCapabilities() Capabilities {
	return Capabilities{
		Dialect:                    DialectPostgres,
		SupportsAdvisoryLocks:      true,
		SupportsNativeTransactions: true,
		SupportsExtensions:         true,
	}
}

// SQLiteCapabilities is the capability set for an embedded SQLite database.
// Advisory locks do not exist there; cross-process safety comes from
// SQLite's own file locking plus an in-process lock.
func SQLiteCapabilities() Capabilities {
	return Capabilities{
		Dialect:                    DialectSQLite,
		SupportsAdvisoryLocks:      false,
		SupportsNativeTransactions: true,
		SupportsExtensions:         false,
	}
}

// Backend wraps a *sql.DB together with its capabilities.
type Backend struct {
	db   *sql.DB
	caps Capabilities
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver and
// verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*Backend, error) {
	sqldb, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Backend{db: sqldb, caps: PostgresCapabilities()}, nil
}

// OpenSQLite opens an embedded SQLite database at path (":memory:" works).
func OpenSQLite(path string) (*Backend, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return &Backend{db: sqldb, caps: SQLiteCapabilities()}, nil
}

// NewBackend wraps an existing database handle with explicit capabilities.
// Tests and embedders that manage their own connections use this.
func NewBackend(sqldb *sql.DB, caps Capabilities) *Backend {
	return &Backend{db: sqldb, caps: caps}
}

// DB exposes the underlying handle for read paths and lock acquisition.
func (b *Backend) DB() *sql.DB { return b.db }

// Capabilities returns the backend's capability set.
func (b *Backend) Capabilities() Capabilities { return b.caps }

// Close closes the underlying handle.
func (b *Backend) Close() error { return b.db.Close() }

// Begin opens a migration transaction. Backends with native transaction
// support get a *sql.Tx; the rest get an explicit BEGIN/COMMIT/ROLLBACK
// emulation pinned to a single connection. The orchestrator code path is
// identical either way.
func (b *Backend) Begin(ctx context.Context) (Tx, error) {
	if b.caps.SupportsNativeTransactions {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin tx: %w", err)
		}
		return &nativeTx{tx: tx}, nil
	}
	return beginManualTx(ctx, b.db)
}
