package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/snapshot"
)

var pgBootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS autoschema_migrations (
		id         UUID PRIMARY KEY,
		owner_key  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS autoschema_migrations_owner_idx
		ON autoschema_migrations (owner_key, created_at)`,
	`CREATE TABLE IF NOT EXISTS autoschema_journal (
		owner_key  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		tag        TEXT NOT NULL,
		breakpoint BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner_key, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS autoschema_snapshots (
		owner_key  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		snapshot   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner_key, idx)
	)`,
}

// PGTrackerStore implements TrackerStore backed by PostgreSQL.
type PGTrackerStore struct {
	db *sql.DB
}

func (s *PGTrackerStore) Latest(ctx context.Context, ownerKey string) (*MigrationRecord, error) {
	var rec MigrationRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_key, hash, created_at FROM autoschema_migrations
		WHERE owner_key = $1 ORDER BY created_at DESC LIMIT 1`, ownerKey).
		Scan(&rec.ID, &rec.OwnerKey, &rec.Hash, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest migration: %w", err)
	}
	return &rec, nil
}

func (s *PGTrackerStore) Record(ctx context.Context, tx db.Tx, ownerKey, hash string) error {
	err := tx.Exec(ctx, `
		INSERT INTO autoschema_migrations (id, owner_key, hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), ownerKey, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

func (s *PGTrackerStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_migrations WHERE owner_key = $1`, ownerKey); err != nil {
		return fmt.Errorf("reset migration records: %w", err)
	}
	return nil
}

// PGJournalStore implements JournalStore backed by PostgreSQL.
type PGJournalStore struct {
	db *sql.DB
}

func (s *PGJournalStore) NextIdx(ctx context.Context, tx db.Tx, ownerKey string) (int, error) {
	var next int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM autoschema_journal WHERE owner_key = $1`, ownerKey).
		Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("query next journal idx: %w", err)
	}
	return next, nil
}

func (s *PGJournalStore) Append(ctx context.Context, tx db.Tx, ownerKey string, idx int, tag string, breakpoint bool) error {
	err := tx.Exec(ctx, `
		INSERT INTO autoschema_journal (owner_key, idx, tag, breakpoint, applied_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ownerKey, idx, tag, breakpoint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert journal entry %d: %w", idx, err)
	}
	return nil
}

func (s *PGJournalStore) Entries(ctx context.Context, ownerKey string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_key, idx, tag, breakpoint, applied_at FROM autoschema_journal
		WHERE owner_key = $1 ORDER BY idx`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.OwnerKey, &e.Idx, &e.Tag, &e.Breakpoint, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PGJournalStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_journal WHERE owner_key = $1`, ownerKey); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	return nil
}

// PGSnapshotStore implements SnapshotStore backed by PostgreSQL.
type PGSnapshotStore struct {
	db *sql.DB
}

func (s *PGSnapshotStore) Save(ctx context.Context, tx db.Tx, ownerKey string, idx int, snap *snapshot.Snapshot) error {
	data, err := snap.Serialize()
	if err != nil {
		return err
	}
	err = tx.Exec(ctx, `
		INSERT INTO autoschema_snapshots (owner_key, idx, snapshot, created_at)
		VALUES ($1, $2, $3, $4)`,
		ownerKey, idx, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", idx, err)
	}
	return nil
}

func (s *PGSnapshotStore) Latest(ctx context.Context, ownerKey string) (*snapshot.Snapshot, int, error) {
	var idx int
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT idx, snapshot FROM autoschema_snapshots
		WHERE owner_key = $1 ORDER BY idx DESC LIMIT 1`, ownerKey).
		Scan(&idx, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query latest snapshot: %w", err)
	}
	snap, err := snapshot.Parse([]byte(data))
	if err != nil {
		return nil, 0, err
	}
	return snap, idx, nil
}

func (s *PGSnapshotStore) All(ctx context.Context, ownerKey string) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM autoschema_snapshots WHERE owner_key = $1 ORDER BY idx`, ownerKey)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*snapshot.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := snapshot.Parse([]byte(data))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *PGSnapshotStore) Count(ctx context.Context, ownerKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM autoschema_snapshots WHERE owner_key = $1`, ownerKey).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func (s *PGSnapshotStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_snapshots WHERE owner_key = $1`, ownerKey); err != nil {
		return fmt.Errorf("reset snapshots: %w", err)
	}
	return nil
}
