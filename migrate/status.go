package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/store"
)

// Status reports an owner's migration history.
type Status struct {
	OwnerKey      string
	HasRun        bool
	LastMigration *store.MigrationRecord
	Journal       []store.JournalEntry
	SnapshotCount int
}

// Status returns the recorded history for ownerKey. An owner that never
// migrated yields HasRun=false with an empty journal, not an error.
func (m *RuntimeMigrator) Status(ctx context.Context, ownerKey string) (*Status, error) {
	st := &Status{OwnerKey: ownerKey}

	if err := m.store.EnsureTables(ctx); err != nil {
		return nil, fmt.Errorf("status %s: %w", ownerKey, err)
	}

	latest, err := m.store.Tracker.Latest(ctx, ownerKey)
	switch {
	case err == nil:
		st.HasRun = true
		st.LastMigration = latest
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("status %s: %w", ownerKey, err)
	}

	entries, err := m.store.Journal.Entries(ctx, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", ownerKey, err)
	}
	st.Journal = entries

	count, err := m.store.Snapshots.Count(ctx, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", ownerKey, err)
	}
	st.SnapshotCount = count

	return st, nil
}

// CheckMigration computes the statements a Migrate call would run, without
// taking the lock or touching the live schema.
func (m *RuntimeMigrator) CheckMigration(ctx context.Context, ownerKey string, def schema.Definition) (*Result, error) {
	return m.Migrate(ctx, ownerKey, def, Options{DryRun: true})
}

// Reset deletes all recorded history for ownerKey in one transaction. The
// live tables are untouched; the next Migrate re-baselines via
// introspection. Intended for tests and development databases.
func (m *RuntimeMigrator) Reset(ctx context.Context, ownerKey string) error {
	if err := m.store.EnsureTables(ctx); err != nil {
		return fmt.Errorf("reset %s: %w", ownerKey, err)
	}

	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset %s: %w", ownerKey, err)
	}
	if err := m.store.Tracker.Reset(ctx, tx, ownerKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset %s: %w", ownerKey, err)
	}
	if err := m.store.Journal.Reset(ctx, tx, ownerKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset %s: %w", ownerKey, err)
	}
	if err := m.store.Snapshots.Reset(ctx, tx, ownerKey); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset %s: %w", ownerKey, err)
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset %s: commit: %w", ownerKey, err)
	}

	m.logger.Info("migration history reset", "owner", ownerKey)
	return nil
}
