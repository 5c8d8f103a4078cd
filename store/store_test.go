package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/snapshot"
)

func testStore(t *testing.T) (*Store, *db.Backend) {
	t.Helper()
	backend, err := db.OpenSQLite(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	st := New(backend)
	if err := st.EnsureTables(context.Background()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}
	return st, backend
}

func beginTx(t *testing.T, backend *db.Backend) db.Tx {
	t.Helper()
	tx, err := backend.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return tx
}

func commit(t *testing.T, tx db.Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func testSnapshot(t *testing.T) *snapshot.Snapshot {
	t.Helper()
	snap, err := snapshot.Generate(schema.Definition{Tables: []schema.Table{
		{Name: "users", Columns: []schema.Column{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "name", Type: "text", NotNull: true},
		}},
	}})
	if err != nil {
		t.Fatalf("generate snapshot: %v", err)
	}
	return snap
}

func TestTrackerStore_LatestNotFound(t *testing.T) {
	st, _ := testStore(t)

	_, err := st.Tracker.Latest(context.Background(), "owner-a")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTrackerStore_RecordAndLatest(t *testing.T) {
	st, backend := testStore(t)
	ctx := context.Background()

	tx := beginTx(t, backend)
	if err := st.Tracker.Record(ctx, tx, "owner-a", "hash-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.Tracker.Record(ctx, tx, "owner-a", "hash-2"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := st.Tracker.Record(ctx, tx, "owner-b", "other"); err != nil {
		t.Fatalf("record: %v", err)
	}
	commit(t, tx)

	rec, err := st.Tracker.Latest(ctx, "owner-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Hash != "hash-2" {
		t.Errorf("expected latest hash-2, got %s", rec.Hash)
	}
	if rec.OwnerKey != "owner-a" {
		t.Errorf("expected owner-a, got %s", rec.OwnerKey)
	}
	if rec.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected a real uuid")
	}
}

func TestJournalStore_NextIdxSeesInTxAppends(t *testing.T) {
	st, backend := testStore(t)
	ctx := context.Background()

	tx := beginTx(t, backend)
	idx, err := st.Journal.NextIdx(ctx, tx, "owner-a")
	if err != nil {
		t.Fatalf("next idx: %v", err)
	}
	if idx != 0 {
		t.Errorf("fresh owner should start at 0, got %d", idx)
	}

	if err := st.Journal.Append(ctx, tx, "owner-a", 0, "0000_baseline", false); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The baseline written above, still uncommitted, must be counted.
	idx, err = st.Journal.NextIdx(ctx, tx, "owner-a")
	if err != nil {
		t.Fatalf("next idx: %v", err)
	}
	if idx != 1 {
		t.Errorf("expected next idx 1 after in-tx append, got %d", idx)
	}
	commit(t, tx)

	entries, err := st.Journal.Entries(ctx, "owner-a")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Tag != "0000_baseline" {
		t.Errorf("unexpected journal: %+v", entries)
	}
}

func TestSnapshotStore_SaveAndLatest(t *testing.T) {
	st, backend := testStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	tx := beginTx(t, backend)
	if err := st.Snapshots.Save(ctx, tx, "owner-a", 0, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.Snapshots.Save(ctx, tx, "owner-a", 1, snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	commit(t, tx)

	got, idx, err := st.Snapshots.Latest(ctx, "owner-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if idx != 1 {
		t.Errorf("expected idx 1, got %d", idx)
	}

	wantHash, _ := snap.Hash()
	gotHash, _ := got.Hash()
	if wantHash != gotHash {
		t.Errorf("snapshot did not survive the roundtrip: %s vs %s", wantHash, gotHash)
	}

	count, err := st.Snapshots.Count(ctx, "owner-a")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 snapshots, got %d", count)
	}

	all, err := st.Snapshots.All(ctx, "owner-a")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 snapshots, got %d", len(all))
	}
}

func TestStore_ResetClearsOnlyOwner(t *testing.T) {
	st, backend := testStore(t)
	ctx := context.Background()
	snap := testSnapshot(t)

	tx := beginTx(t, backend)
	for _, owner := range []string{"owner-a", "owner-b"} {
		if err := st.Tracker.Record(ctx, tx, owner, "h"); err != nil {
			t.Fatalf("record: %v", err)
		}
		if err := st.Journal.Append(ctx, tx, owner, 0, "0000_h", false); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := st.Snapshots.Save(ctx, tx, owner, 0, snap); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	commit(t, tx)

	tx = beginTx(t, backend)
	if err := st.Tracker.Reset(ctx, tx, "owner-a"); err != nil {
		t.Fatalf("reset tracker: %v", err)
	}
	if err := st.Journal.Reset(ctx, tx, "owner-a"); err != nil {
		t.Fatalf("reset journal: %v", err)
	}
	if err := st.Snapshots.Reset(ctx, tx, "owner-a"); err != nil {
		t.Fatalf("reset snapshots: %v", err)
	}
	commit(t, tx)

	if _, err := st.Tracker.Latest(ctx, "owner-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected owner-a tracker cleared, got %v", err)
	}
	if _, err := st.Tracker.Latest(ctx, "owner-b"); err != nil {
		t.Errorf("owner-b must survive owner-a's reset: %v", err)
	}

	entries, err := st.Journal.Entries(ctx, "owner-b")
	if err != nil || len(entries) != 1 {
		t.Errorf("owner-b journal should be intact: %v %v", entries, err)
	}
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	st, backend := testStore(t)
	ctx := context.Background()

	tx := beginTx(t, backend)
	if err := st.Tracker.Record(ctx, tx, "owner-a", "doomed"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if _, err := st.Tracker.Latest(ctx, "owner-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back record should not be visible, got %v", err)
	}
}

func TestMockStore(t *testing.T) {
	st := NewMockStore()
	ctx := context.Background()

	if err := st.EnsureTables(ctx); err != nil {
		t.Fatalf("ensure tables on mock store: %v", err)
	}
	if _, err := st.Tracker.Latest(ctx, "owner-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from empty mock, got %v", err)
	}

	if err := st.Tracker.Record(ctx, nil, "owner-a", "h1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, err := st.Tracker.Latest(ctx, "owner-a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if rec.Hash != "h1" {
		t.Errorf("expected h1, got %s", rec.Hash)
	}
}
