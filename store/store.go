// Package store persists the migration engine's bookkeeping: applied
// migration records, the per-owner journal, and full schema snapshots. All
// three are namespaced by owner key and written inside the same transaction
// as the DDL they describe, so a crash can never leave DDL applied without a
// matching history entry or vice versa.
package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/snapshot"
)

// TrackerStore persists applied-migration records (the idempotency fast
// path).
type TrackerStore interface {
	// Latest returns the most recent record for the owner, or ErrNotFound.
	Latest(ctx context.Context, ownerKey string) (*MigrationRecord, error)
	// Record appends an applied-migration record inside tx.
	Record(ctx context.Context, tx db.Tx, ownerKey, hash string) error
	// Reset deletes every record for the owner inside tx.
	Reset(ctx context.Context, tx db.Tx, ownerKey string) error
}

// JournalStore persists the ordered migration journal.
type JournalStore interface {
	// NextIdx returns the next journal index for the owner, reading through
	// tx so entries written earlier in the same transaction are counted.
	NextIdx(ctx context.Context, tx db.Tx, ownerKey string) (int, error)
	// Append writes one journal entry inside tx.
	Append(ctx context.Context, tx db.Tx, ownerKey string, idx int, tag string, breakpoint bool) error
	// Entries returns the owner's journal ordered by idx.
	Entries(ctx context.Context, ownerKey string) ([]JournalEntry, error)
	// Reset deletes the owner's journal inside tx.
	Reset(ctx context.Context, tx db.Tx, ownerKey string) error
}

// SnapshotStore persists full schema snapshots, joined to the journal by
// idx.
type SnapshotStore interface {
	// Save stores the snapshot at idx inside tx.
	Save(ctx context.Context, tx db.Tx, ownerKey string, idx int, snap *snapshot.Snapshot) error
	// Latest returns the highest-idx snapshot for the owner, or ErrNotFound.
	Latest(ctx context.Context, ownerKey string) (*snapshot.Snapshot, int, error)
	// All returns every snapshot for the owner ordered by idx.
	All(ctx context.Context, ownerKey string) ([]*snapshot.Snapshot, error)
	// Count returns how many snapshots the owner has.
	Count(ctx context.Context, ownerKey string) (int, error)
	// Reset deletes the owner's snapshots inside tx.
	Reset(ctx context.Context, tx db.Tx, ownerKey string) error
}

// Store bundles the three persistence roles for one backend.
type Store struct {
	Tracker   TrackerStore
	Journal   JournalStore
	Snapshots SnapshotStore

	backend *db.Backend
}

// New selects the implementation matching the backend's dialect.
func New(backend *db.Backend) *Store {
	s := &Store{backend: backend}
	switch backend.Capabilities().Dialect {
	case db.DialectSQLite:
		s.Tracker = &SQLiteTrackerStore{db: backend.DB()}
		s.Journal = &SQLiteJournalStore{db: backend.DB()}
		s.Snapshots = &SQLiteSnapshotStore{db: backend.DB()}
	default:
		s.Tracker = &PGTrackerStore{db: backend.DB()}
		s.Journal = &PGJournalStore{db: backend.DB()}
		s.Snapshots = &PGSnapshotStore{db: backend.DB()}
	}
	return s
}

// EnsureTables creates the engine's bookkeeping tables if they do not exist.
// Idempotent; called once before the first migration.
func (s *Store) EnsureTables(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	var ddl []string
	switch s.backend.Capabilities().Dialect {
	case db.DialectSQLite:
		ddl = sqliteBootstrapDDL
	default:
		ddl = pgBootstrapDDL
	}
	for _, stmt := range ddl {
		if _, err := s.backend.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure bookkeeping tables: %w", err)
		}
	}
	return nil
}
