package migrate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/store"
)

func testMigrator(t *testing.T, cfg Config) (*RuntimeMigrator, *db.Backend) {
	t.Helper()
	backend, err := db.OpenSQLite(filepath.Join(t.TempDir(), "migrate_test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// one writer keeps concurrent runs off sqlite's busy errors
	backend.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { backend.Close() })

	return New(backend, store.New(backend), cfg), backend
}

func usersV1() schema.Definition {
	return schema.Definition{Tables: []schema.Table{
		{Name: "users", Columns: []schema.Column{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "name", Type: "text", NotNull: true},
		}},
	}}
}

func usersV2() schema.Definition {
	def := usersV1()
	def.Tables[0].Columns = append(def.Tables[0].Columns, schema.Column{Name: "email", Type: "text", NotNull: true, Default: "''"})
	return def
}

func tableColumns(t *testing.T, backend *db.Backend, table string) []string {
	t.Helper()
	rows, err := backend.DB().QueryContext(context.Background(), `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		t.Fatalf("table_info %s: %v", table, err)
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		cols = append(cols, name)
	}
	return cols
}

func TestMigrate_CreatesTablesAndRecordsHistory(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	res, err := m.Migrate(ctx, "app", usersV1(), Options{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if res.Idx != 0 {
		t.Errorf("first migration should land at idx 0, got %d", res.Idx)
	}
	if len(res.Statements) == 0 {
		t.Error("expected DDL statements")
	}

	cols := tableColumns(t, backend, "users")
	if len(cols) != 2 {
		t.Errorf("expected users(id, name), got %v", cols)
	}

	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.HasRun {
		t.Fatal("expected HasRun after migration")
	}
	if st.LastMigration.Hash != res.Hash {
		t.Errorf("tracker hash %s does not match result hash %s", st.LastMigration.Hash, res.Hash)
	}
	if len(st.Journal) != 1 || st.SnapshotCount != 1 {
		t.Errorf("expected one journal entry and one snapshot, got %d / %d", len(st.Journal), st.SnapshotCount)
	}
	wantTag := "0000_" + res.Hash[:12]
	if st.Journal[0].Tag != wantTag {
		t.Errorf("expected tag %s, got %s", wantTag, st.Journal[0].Tag)
	}
}

func TestMigrate_SecondCallIsNoOp(t *testing.T) {
	m, _ := testMigrator(t, Config{})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV1(), Options{}); err != nil {
		t.Fatalf("first migrate: %v", err)
	}

	res, err := m.Migrate(ctx, "app", usersV1(), Options{})
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if res.State != StateSkipped {
		t.Errorf("unchanged schema should skip, got %s", res.State)
	}
	if len(res.Statements) != 0 {
		t.Errorf("no DDL expected on a no-op run, got %v", res.Statements)
	}
}

func TestMigrate_IncrementalColumnAdd(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV1(), Options{}); err != nil {
		t.Fatalf("v1 migrate: %v", err)
	}
	if _, err := backend.DB().ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'ada')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := m.Migrate(ctx, "app", usersV2(), Options{})
	if err != nil {
		t.Fatalf("v2 migrate: %v", err)
	}
	if res.State != StateDone || res.Idx != 1 {
		t.Fatalf("expected done at idx 1, got %s / %d", res.State, res.Idx)
	}
	if len(res.Statements) != 1 || !strings.Contains(res.Statements[0], `ADD COLUMN "email" text NOT NULL DEFAULT ''`) {
		t.Errorf("expected a single ADD COLUMN, got %v", res.Statements)
	}

	// Existing rows survive an incremental migration.
	var name string
	if err := backend.DB().QueryRowContext(ctx, `SELECT name FROM users WHERE id = 1`).Scan(&name); err != nil {
		t.Fatalf("read seeded row: %v", err)
	}
	if name != "ada" {
		t.Errorf("expected seeded row intact, got %q", name)
	}

	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Journal) != 2 {
		t.Errorf("expected two journal entries, got %+v", st.Journal)
	}
}

func TestMigrate_DataLossGate(t *testing.T) {
	m, backend := testMigrator(t, Config{Environment: "production"})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV2(), Options{}); err != nil {
		t.Fatalf("v2 migrate: %v", err)
	}

	// Dropping email is destructive and must be blocked by default.
	_, err := m.Migrate(ctx, "app", usersV1(), Options{})
	if err == nil {
		t.Fatal("expected destructive migration to be blocked")
	}
	if !errors.Is(err, ErrDestructiveBlocked) {
		t.Fatalf("expected ErrDestructiveBlocked, got %v", err)
	}
	var dle *DataLossError
	if !errors.As(err, &dle) {
		t.Fatalf("expected DataLossError, got %T", err)
	}
	if len(dle.Warnings) != 1 || !strings.Contains(dle.Warnings[0], "email") {
		t.Errorf("unexpected warnings: %v", dle.Warnings)
	}
	if !strings.Contains(dle.Error(), "production") {
		t.Errorf("production guidance missing from: %s", dle.Error())
	}

	// Nothing executed, nothing recorded.
	if cols := tableColumns(t, backend, "users"); len(cols) != 3 {
		t.Errorf("blocked migration must not touch the table, got %v", cols)
	}

	// Force pushes it through.
	res, err := m.Migrate(ctx, "app", usersV1(), Options{Force: true})
	if err != nil {
		t.Fatalf("forced migrate: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	if cols := tableColumns(t, backend, "users"); len(cols) != 2 {
		t.Errorf("expected email dropped, got %v", cols)
	}
}

func TestMigrate_ProcessWideDestructiveOverride(t *testing.T) {
	m, _ := testMigrator(t, Config{AllowDestructive: true})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV2(), Options{}); err != nil {
		t.Fatalf("v2 migrate: %v", err)
	}
	res, err := m.Migrate(ctx, "app", usersV1(), Options{})
	if err != nil {
		t.Fatalf("destructive migrate under override: %v", err)
	}
	if res.State != StateDone {
		t.Errorf("expected done, got %s", res.State)
	}
}

func TestMigrate_DryRun(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	res, err := m.CheckMigration(ctx, "app", usersV1())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.State != StateSkipped {
		t.Errorf("dry run must not report done, got %s", res.State)
	}
	if len(res.Statements) == 0 {
		t.Error("dry run should return the pending statements")
	}

	// Nothing was executed or recorded.
	if cols := tableColumns(t, backend, "users"); cols != nil {
		t.Errorf("dry run created the table: %v", cols)
	}
	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasRun {
		t.Error("dry run must not record history")
	}
}

func TestMigrate_FailedStatementRollsBack(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	// SQLite rejects ALTER TABLE ... ADD CONSTRAINT, so a definition with a
	// foreign key fails mid-run, after its CREATE TABLE succeeded.
	def := schema.Definition{Tables: []schema.Table{
		{
			Name: "posts",
			Columns: []schema.Column{
				{Name: "id", Type: "integer", PrimaryKey: true},
				{Name: "parent_id", Type: "integer"},
			},
			ForeignKeys: []schema.ForeignKey{
				{Name: "posts_parent_fk", Columns: []string{"parent_id"}, RefTable: "posts", RefColumns: []string{"id"}},
			},
		},
	}}

	_, err := m.Migrate(ctx, "app", def, Options{})
	if err == nil {
		t.Fatal("expected the constraint statement to fail")
	}
	if !strings.Contains(err.Error(), "statement") {
		t.Errorf("error should identify the failing statement: %v", err)
	}

	// The transaction rolled back: no table, no history.
	if cols := tableColumns(t, backend, "posts"); cols != nil {
		t.Errorf("failed migration left the table behind: %v", cols)
	}
	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasRun || len(st.Journal) != 0 {
		t.Errorf("failed migration must not record history: %+v", st)
	}
}

func TestMigrate_IntrospectsBaselineForExistingTables(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	// Hand-created table, no migration history.
	if _, err := backend.DB().ExecContext(ctx,
		`CREATE TABLE users (id integer PRIMARY KEY, name text NOT NULL)`); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := backend.DB().ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'ada')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := m.Migrate(ctx, "app", usersV2(), Options{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}

	// The live table was recognized, so only the new column was added.
	for _, s := range res.Statements {
		if strings.HasPrefix(s, "CREATE TABLE") {
			t.Errorf("existing table must not be recreated: %s", s)
		}
	}
	var name string
	if err := backend.DB().QueryRowContext(ctx, `SELECT name FROM users WHERE id = 1`).Scan(&name); err != nil {
		t.Fatalf("read seeded row: %v", err)
	}
	if name != "ada" {
		t.Errorf("expected seeded row intact, got %q", name)
	}

	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Journal) != 2 {
		t.Fatalf("expected baseline plus migration, got %+v", st.Journal)
	}
	if st.Journal[0].Tag != "0000_baseline" || st.Journal[0].Idx != 0 {
		t.Errorf("expected baseline at idx 0, got %+v", st.Journal[0])
	}
	if st.Journal[1].Idx != 1 {
		t.Errorf("expected migration at idx 1, got %+v", st.Journal[1])
	}
	if st.SnapshotCount != 2 {
		t.Errorf("expected baseline and current snapshots, got %d", st.SnapshotCount)
	}
}

func TestMigrate_BaselineIncludesLiveIndexes(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	// Hand-created table with a live index, no migration history.
	setup := []string{
		`CREATE TABLE users (id integer PRIMARY KEY, name text NOT NULL)`,
		`CREATE INDEX users_name_idx ON users (name)`,
	}
	for _, s := range setup {
		if _, err := backend.DB().ExecContext(ctx, s); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	// The definition declares the same index plus a new column.
	def := usersV2()
	def.Tables[0].Indexes = []schema.Index{
		{Name: "users_name_idx", Columns: []schema.IndexColumn{{Expr: "name"}}},
	}

	res, err := m.Migrate(ctx, "app", def, Options{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}

	// The baseline saw the live index, so the run must not try to recreate
	// it; it would fail against the existing one and roll everything back.
	for _, s := range res.Statements {
		if strings.HasPrefix(s, "CREATE INDEX") {
			t.Errorf("existing index must not be recreated: %s", s)
		}
	}
	if cols := tableColumns(t, backend, "users"); len(cols) != 3 {
		t.Errorf("expected email added alongside the untouched index, got %v", cols)
	}
}

func TestMigrate_PhaseLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m, _ := testMigrator(t, Config{Logger: logger})

	if _, err := m.Migrate(context.Background(), "app", usersV1(), Options{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	out := buf.String()
	for _, s := range []State{
		StateSnapshotting, StateLockAcquiring, StateDiffing,
		StateDataLossGate, StateGenerating, StateExecuting, StateRecording,
	} {
		if !strings.Contains(out, "state="+string(s)) {
			t.Errorf("expected %s phase in debug log", s)
		}
	}
}

func TestMigrate_ConcurrentRunsApplyOnce(t *testing.T) {
	m, _ := testMigrator(t, Config{})
	ctx := context.Background()

	const workers = 4
	results := make([]State, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := m.Migrate(ctx, "app", usersV1(), Options{})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res.State
		}(i)
	}
	wg.Wait()

	done := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if results[i] == StateDone {
			done++
		} else if results[i] != StateSkipped {
			t.Errorf("worker %d: unexpected state %s", i, results[i])
		}
	}
	if done != 1 {
		t.Errorf("exactly one worker should apply the migration, got %d", done)
	}

	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Journal) != 1 {
		t.Errorf("expected a single journal entry, got %+v", st.Journal)
	}
}

func TestMigrate_IndependentOwners(t *testing.T) {
	m, _ := testMigrator(t, Config{})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "owner-a", usersV1(), Options{}); err != nil {
		t.Fatalf("owner-a: %v", err)
	}
	def := schema.Definition{Tables: []schema.Table{
		{Name: "orders", Columns: []schema.Column{{Name: "id", Type: "integer", PrimaryKey: true}}},
	}}
	if _, err := m.Migrate(ctx, "owner-b", def, Options{}); err != nil {
		t.Fatalf("owner-b: %v", err)
	}

	stA, err := m.Status(ctx, "owner-a")
	if err != nil {
		t.Fatalf("status a: %v", err)
	}
	stB, err := m.Status(ctx, "owner-b")
	if err != nil {
		t.Fatalf("status b: %v", err)
	}
	if stA.LastMigration.Hash == stB.LastMigration.Hash {
		t.Error("distinct owners should track distinct hashes")
	}
	if len(stA.Journal) != 1 || len(stB.Journal) != 1 {
		t.Errorf("each owner keeps its own journal: %d / %d", len(stA.Journal), len(stB.Journal))
	}
}

func TestReset(t *testing.T) {
	m, backend := testMigrator(t, Config{})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV1(), Options{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := m.Reset(ctx, "app"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	st, err := m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasRun || len(st.Journal) != 0 || st.SnapshotCount != 0 {
		t.Errorf("expected empty history after reset: %+v", st)
	}

	// The live table survives; the next run re-baselines from it.
	if cols := tableColumns(t, backend, "users"); len(cols) != 2 {
		t.Fatalf("reset must not drop live tables, got %v", cols)
	}
	res, err := m.Migrate(ctx, "app", usersV2(), Options{})
	if err != nil {
		t.Fatalf("migrate after reset: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected done, got %s", res.State)
	}
	st, err = m.Status(ctx, "app")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Journal) != 2 || st.Journal[0].Tag != "0000_baseline" {
		t.Errorf("expected re-baselined history, got %+v", st.Journal)
	}
}

func TestMigrate_Metrics(t *testing.T) {
	metrics := NewMetrics()
	m, _ := testMigrator(t, Config{Metrics: metrics})
	ctx := context.Background()

	if _, err := m.Migrate(ctx, "app", usersV1(), Options{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := m.Migrate(ctx, "app", usersV1(), Options{}); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	if got := testutil.ToFloat64(metrics.Runs.WithLabelValues("app", string(StateDone))); got != 1 {
		t.Errorf("expected 1 done run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Runs.WithLabelValues("app", string(StateSkipped))); got != 1 {
		t.Errorf("expected 1 skipped run, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.Statements.WithLabelValues("app")); got == 0 {
		t.Error("expected executed statements counted")
	}
}

func TestStatus_FreshOwner(t *testing.T) {
	m, _ := testMigrator(t, Config{})

	st, err := m.Status(context.Background(), "never-ran")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.HasRun || st.LastMigration != nil || len(st.Journal) != 0 {
		t.Errorf("fresh owner should have empty status: %+v", st)
	}
}
