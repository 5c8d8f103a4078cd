// Package migrate contains the runtime migration orchestrator. Given an
// owner key and a logical schema definition, it computes what structural
// changes the live database needs, generates DDL, and applies it exactly
// once: serialized across the fleet by a distributed lock, idempotent via
// content hashing, transactional with rollback on any failure, and gated on
// destructive operations.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/GoCodeAlone/autoschema/db"
	"github.com/GoCodeAlone/autoschema/lock"
	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/snapshot"
	"github.com/GoCodeAlone/autoschema/sqlgen"
	"github.com/GoCodeAlone/autoschema/store"
)

// Options control a single Migrate call.
type Options struct {
	// Verbose logs every generated statement before execution.
	Verbose bool
	// DryRun computes and returns the statements without executing anything.
	DryRun bool
	// Force overrides the data-loss gate.
	Force bool
	// AllowDataLoss has the same effect as Force under a name that reads
	// better at call sites that know exactly which data they are dropping.
	AllowDataLoss bool
}

// Config wires a RuntimeMigrator's collaborators and policy.
type Config struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Locker defaults to the implementation matching the backend's
	// capabilities (advisory locks on PostgreSQL, in-process otherwise).
	Locker lock.DistributedLock
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
	// Environment names the deployment environment; "production" changes
	// the data-loss guidance in errors.
	Environment string
	// Extensions are ensured (best-effort) before each migration.
	Extensions []string
	// AllowDestructive is the process-wide override permitting destructive
	// migrations without a per-call flag. Logged loudly when it takes effect.
	AllowDestructive bool
}

// Result describes what a migration run did.
type Result struct {
	State      State
	Statements []string
	Idx        int
	Hash       string
	DataLoss   *sqlgen.Assessment
}

// RuntimeMigrator drives the snapshot, diff, gate, generate, execute, and
// record pipeline for one backend.
type RuntimeMigrator struct {
	backend *db.Backend
	store   *store.Store
	locker  lock.DistributedLock
	intro   *db.Introspector
	ext     *db.ExtensionManager
	logger  *slog.Logger
	metrics *Metrics

	environment      string
	extensions       []string
	allowDestructive bool
}

// New creates a RuntimeMigrator for the backend and store.
func New(backend *db.Backend, st *store.Store, cfg Config) *RuntimeMigrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.ForBackend(backend, logger)
	}
	if cfg.AllowDestructive {
		logger.Warn("process-wide destructive override is enabled: data-loss gate will not block migrations")
	}
	return &RuntimeMigrator{
		backend:          backend,
		store:            st,
		locker:           locker,
		intro:            db.NewIntrospector(backend, logger),
		ext:              db.NewExtensionManager(backend, logger),
		logger:           logger,
		metrics:          cfg.Metrics,
		environment:      cfg.Environment,
		extensions:       cfg.Extensions,
		allowDestructive: cfg.AllowDestructive,
	}
}

// Migrate brings the owner's live schema in line with def. Any returned
// error means no structural change occurred: statements either all applied
// and were recorded, or the transaction rolled back.
func (m *RuntimeMigrator) Migrate(ctx context.Context, ownerKey string, def schema.Definition, opts Options) (*Result, error) {
	start := time.Now()
	res, err := m.run(ctx, ownerKey, def, opts)
	if err != nil {
		result := string(StateFailed)
		if errors.Is(err, ErrDestructiveBlocked) {
			result = string(StateBlocked)
		}
		m.metrics.observeRun(ownerKey, result, time.Since(start), 0)
		return nil, err
	}
	m.metrics.observeRun(ownerKey, string(res.State), time.Since(start), len(res.Statements))
	return res, nil
}

func (m *RuntimeMigrator) run(ctx context.Context, ownerKey string, def schema.Definition, opts Options) (*Result, error) {
	logger := m.logger.With("owner", ownerKey)

	if err := m.store.EnsureTables(ctx); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}

	phase(logger, StateSnapshotting)
	curr, err := snapshot.Generate(def)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}
	hash, err := curr.Hash()
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}

	// Fast path: the latest recorded hash already matches, no lock needed.
	upToDate, err := m.hashMatches(ctx, ownerKey, hash)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}
	if upToDate {
		logger.Debug("schema up to date", "hash", shortHash(hash))
		return &Result{State: StateSkipped, Hash: hash}, nil
	}

	if !opts.DryRun {
		release, err := m.acquireLock(ctx, ownerKey, logger)
		if err != nil {
			return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
		}
		defer release()

		// Another process may have completed this migration while we waited.
		upToDate, err = m.hashMatches(ctx, ownerKey, hash)
		if err != nil {
			return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
		}
		if upToDate {
			logger.Info("migration already applied by another process", "hash", shortHash(hash))
			return &Result{State: StateSkipped, Hash: hash}, nil
		}
	}

	prev, baseline, err := m.previousSnapshot(ctx, ownerKey, curr, logger)
	if err != nil {
		return nil, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}

	phase(logger, StateDiffing)
	diff := snapshot.CalculateDiff(prev, curr)
	if !diff.HasChanges() {
		logger.Debug("no structural changes")
		return &Result{State: StateSkipped, Hash: hash}, nil
	}

	// The gate never blocks a dry run: callers inspect the statements and
	// warnings instead.
	phase(logger, StateDataLossGate)
	assessment := sqlgen.CheckDataLoss(diff)
	if assessment.HasDataLoss && !opts.DryRun && !m.destructiveAllowed(opts) {
		logger.Warn("destructive migration blocked",
			"warnings", len(assessment.Warnings))
		return nil, &DataLossError{
			OwnerKey:   ownerKey,
			Warnings:   assessment.Warnings,
			Production: m.environment == "production",
		}
	}
	if assessment.HasDataLoss && !opts.DryRun {
		logger.Warn("destructive migration proceeding under explicit override",
			"warnings", assessment.Warnings)
	}

	phase(logger, StateGenerating)
	stmts := sqlgen.Generate(prev, curr, diff)
	if opts.DryRun {
		logger.Info("dry run", "statements", len(stmts))
		if opts.Verbose {
			for i, s := range stmts {
				logger.Info("dry run statement", "n", i+1, "sql", s)
			}
		}
		return &Result{State: StateSkipped, Statements: stmts, Hash: hash, DataLoss: &assessment}, nil
	}

	// Prerequisites run outside the transaction: extension installs are
	// best-effort, and schema creation must be idempotent and visible to the
	// transactional DDL.
	m.ext.Install(ctx, m.extensions)
	txStmts := make([]string, 0, len(stmts))
	for _, stmt := range stmts {
		if sqlgen.IsSchemaStatement(stmt) {
			if _, err := m.backend.DB().ExecContext(ctx, stmt); err != nil {
				return nil, fmt.Errorf("migrate %s: ensure schema: %w", ownerKey, err)
			}
			continue
		}
		txStmts = append(txStmts, stmt)
	}

	idx, err := m.execute(ctx, ownerKey, hash, curr, baseline, txStmts, opts, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("migration applied",
		"statements", len(stmts),
		"idx", idx,
		"hash", shortHash(hash))
	return &Result{State: StateDone, Statements: stmts, Idx: idx, Hash: hash, DataLoss: &assessment}, nil
}

// execute runs the DDL and the history writes in one transaction.
func (m *RuntimeMigrator) execute(ctx context.Context, ownerKey, hash string, curr, baseline *snapshot.Snapshot, stmts []string, opts Options, logger *slog.Logger) (int, error) {
	phase(logger, StateExecuting)
	tx, err := m.backend.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}

	for i, stmt := range stmts {
		if opts.Verbose {
			logger.Info("executing statement", "n", i+1, "total", len(stmts), "sql", stmt)
		}
		if err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("migrate %s: statement %d/%d failed: %w", ownerKey, i+1, len(stmts), err)
		}
	}

	phase(logger, StateRecording)
	idx, err := m.record(ctx, tx, ownerKey, hash, curr, baseline)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("migrate %s: %w", ownerKey, err)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("migrate %s: commit: %w", ownerKey, err)
	}
	return idx, nil
}

// record writes the journal entry, snapshot, and migration record inside tx.
// When introspection seeded a baseline, it is persisted first at idx 0 so
// future diffs start from what was actually live.
func (m *RuntimeMigrator) record(ctx context.Context, tx db.Tx, ownerKey, hash string, curr, baseline *snapshot.Snapshot) (int, error) {
	if baseline != nil {
		if err := m.store.Journal.Append(ctx, tx, ownerKey, 0, "0000_baseline", false); err != nil {
			return 0, err
		}
		if err := m.store.Snapshots.Save(ctx, tx, ownerKey, 0, baseline); err != nil {
			return 0, err
		}
	}

	idx, err := m.store.Journal.NextIdx(ctx, tx, ownerKey)
	if err != nil {
		return 0, err
	}
	tag := fmt.Sprintf("%04d_%s", idx, shortHash(hash))
	if err := m.store.Journal.Append(ctx, tx, ownerKey, idx, tag, false); err != nil {
		return 0, err
	}
	if err := m.store.Snapshots.Save(ctx, tx, ownerKey, idx, curr); err != nil {
		return 0, err
	}
	if err := m.store.Tracker.Record(ctx, tx, ownerKey, hash); err != nil {
		return 0, err
	}
	return idx, nil
}

// previousSnapshot loads the diff baseline: the owner's latest stored
// snapshot, or, for an owner with no history whose tables already exist
// live, a snapshot synthesized by introspection (returned as baseline for
// persistence at idx 0). A nil prev with nil baseline means a genuinely
// fresh owner.
func (m *RuntimeMigrator) previousSnapshot(ctx context.Context, ownerKey string, curr *snapshot.Snapshot, logger *slog.Logger) (prev, baseline *snapshot.Snapshot, err error) {
	stored, _, err := m.store.Snapshots.Latest(ctx, ownerKey)
	if err == nil {
		return stored, nil, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	if len(curr.Tables) == 0 {
		return nil, nil, nil
	}

	exists, err := m.intro.HasAnyTable(ctx, curr.TableNames())
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		return nil, nil, nil
	}

	logger.Info("no migration history but live tables found, introspecting baseline")
	introspected, err := m.intro.Snapshot(ctx, schemasOf(curr))
	if err != nil {
		return nil, nil, err
	}
	return introspected, introspected, nil
}

func (m *RuntimeMigrator) acquireLock(ctx context.Context, ownerKey string, logger *slog.Logger) (func(), error) {
	phase(logger, StateLockAcquiring)
	logger.Debug("acquiring migration lock", "lock_id", lock.LockID(ownerKey))
	release, err := m.locker.Acquire(ctx, "autoschema:"+ownerKey)
	if err != nil {
		return nil, fmt.Errorf("acquire migration lock: %w", err)
	}
	return release, nil
}

func (m *RuntimeMigrator) hashMatches(ctx context.Context, ownerKey, hash string) (bool, error) {
	latest, err := m.store.Tracker.Latest(ctx, ownerKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.Hash == hash, nil
}

func (m *RuntimeMigrator) destructiveAllowed(opts Options) bool {
	return opts.Force || opts.AllowDataLoss || m.allowDestructive
}

// schemasOf collects the distinct schema namespaces the snapshot touches.
func schemasOf(s *snapshot.Snapshot) []string {
	seen := make(map[string]bool)
	for _, t := range s.Tables {
		seen[t.Schema] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
