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

var sqliteBootstrapDDL = []string{
	`CREATE TABLE IF NOT EXISTS autoschema_migrations (
		id         TEXT PRIMARY KEY,
		owner_key  TEXT NOT NULL,
		hash       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS autoschema_migrations_owner_idx
		ON autoschema_migrations (owner_key, created_at)`,
	`CREATE TABLE IF NOT EXISTS autoschema_journal (
		owner_key  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		tag        TEXT NOT NULL,
		breakpoint INTEGER NOT NULL DEFAULT 0,
		applied_at TIMESTAMP NOT NULL,
		PRIMARY KEY (owner_key, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS autoschema_snapshots (
		owner_key  TEXT NOT NULL,
		idx        INTEGER NOT NULL,
		snapshot   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (owner_key, idx)
	)`,
}

// SQLiteTrackerStore implements TrackerStore backed by SQLite.
type SQLiteTrackerStore struct {
	db *sql.DB
}

func (s *SQLiteTrackerStore) Latest(ctx context.Context, ownerKey string) (*MigrationRecord, error) {
	var rec MigrationRecord
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_key, hash, created_at FROM autoschema_migrations
		WHERE owner_key = ? ORDER BY created_at DESC LIMIT 1`, ownerKey).
		Scan(&id, &rec.OwnerKey, &rec.Hash, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest migration: %w", err)
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse migration id %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLiteTrackerStore) Record(ctx context.Context, tx db.Tx, ownerKey, hash string) error {
	err := tx.Exec(ctx, `
		INSERT INTO autoschema_migrations (id, owner_key, hash, created_at)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), ownerKey, hash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert migration record: %w", err)
	}
	return nil
}

func (s *SQLiteTrackerStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_migrations WHERE owner_key = ?`, ownerKey); err != nil {
		return fmt.Errorf("reset migration records: %w", err)
	}
	return nil
}

// SQLiteJournalStore implements JournalStore backed by SQLite.
type SQLiteJournalStore struct {
	db *sql.DB
}

func (s *SQLiteJournalStore) NextIdx(ctx context.Context, tx db.Tx, ownerKey string) (int, error) {
	var next int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(idx) + 1, 0) FROM autoschema_journal WHERE owner_key = ?`, ownerKey).
		Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("query next journal idx: %w", err)
	}
	return next, nil
}

func (s *SQLiteJournalStore) Append(ctx context.Context, tx db.Tx, ownerKey string, idx int, tag string, breakpoint bool) error {
	err := tx.Exec(ctx, `
		INSERT INTO autoschema_journal (owner_key, idx, tag, breakpoint, applied_at)
		VALUES (?, ?, ?, ?, ?)`,
		ownerKey, idx, tag, breakpoint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert journal entry %d: %w", idx, err)
	}
	return nil
}

func (s *SQLiteJournalStore) Entries(ctx context.Context, ownerKey string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_key, idx, tag, breakpoint, applied_at FROM autoschema_journal
		WHERE owner_key = ? ORDER BY idx`, ownerKey)
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

func (s *SQLiteJournalStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_journal WHERE owner_key = ?`, ownerKey); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	return nil
}

// SQLiteSnapshotStore implements SnapshotStore backed by SQLite.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, tx db.Tx, ownerKey string, idx int, snap *snapshot.Snapshot) error {
	data, err := snap.Serialize()
	if err != nil {
		return err
	}
	err = tx.Exec(ctx, `
		INSERT INTO autoschema_snapshots (owner_key, idx, snapshot, created_at)
		VALUES (?, ?, ?, ?)`,
		ownerKey, idx, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot %d: %w", idx, err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Latest(ctx context.Context, ownerKey string) (*snapshot.Snapshot, int, error) {
	var idx int
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT idx, snapshot FROM autoschema_snapshots
		WHERE owner_key = ? ORDER BY idx DESC LIMIT 1`, ownerKey).
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

func (s *SQLiteSnapshotStore) All(ctx context.Context, ownerKey string) ([]*snapshot.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM autoschema_snapshots WHERE owner_key = ? ORDER BY idx`, ownerKey)
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

func (s *SQLiteSnapshotStore) Count(ctx context.Context, ownerKey string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM autoschema_snapshots WHERE owner_key = ?`, ownerKey).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func (s *SQLiteSnapshotStore) Reset(ctx context.Context, tx db.Tx, ownerKey string) error {
	if err := tx.Exec(ctx, `DELETE FROM autoschema_snapshots WHERE owner_key = ?`, ownerKey); err != nil {
		return fmt.Errorf("reset snapshots: %w", err)
	}
	return nil
}
