package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/GoCodeAlone/autoschema/config"
	"github.com/GoCodeAlone/autoschema/migrate"
	"github.com/GoCodeAlone/autoschema/schema"
	"github.com/GoCodeAlone/autoschema/store"
)

// commonFlags holds the flags every subcommand shares.
type commonFlags struct {
	config *string
	url    *string
	owner  *string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config: fs.String("config", "", "Path to YAML config file"),
		url:    fs.String("url", "", "Database URL (overrides config)"),
		owner:  fs.String("owner", "", "Owner key namespacing the migration history"),
	}
}

// setup loads config, opens the backend, and builds a migrator.
func setup(ctx context.Context, cf *commonFlags) (*migrate.RuntimeMigrator, func(), error) {
	cfg, err := config.Load(*cf.config)
	if err != nil {
		return nil, nil, err
	}
	if *cf.url != "" {
		cfg.DatabaseURL = *cf.url
	}
	if *cf.owner == "" {
		return nil, nil, fmt.Errorf("-owner is required")
	}

	backend, err := cfg.Open(ctx)
	if err != nil {
		return nil, nil, err
	}

	m := migrate.New(backend, store.New(backend), migrate.Config{
		Logger:           slog.Default(),
		Environment:      cfg.Environment,
		Extensions:       cfg.Extensions,
		AllowDestructive: cfg.AllowDestructive,
	})
	return m, func() { _ = backend.Close() }, nil
}

// loadDefinition parses a JSON schema definition file.
func loadDefinition(path string) (schema.Definition, error) {
	var def schema.Definition
	if path == "" {
		return def, fmt.Errorf("-schema is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read schema definition: %w", err)
	}
	if err := json.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse schema definition %s: %w", path, err)
	}
	return def, nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	m, closeFn, err := setup(ctx, cf)
	if err != nil {
		return err
	}
	defer closeFn()

	st, err := m.Status(ctx, *cf.owner)
	if err != nil {
		return err
	}

	if !st.HasRun {
		fmt.Printf("owner %s: no migrations recorded\n", st.OwnerKey)
		return nil
	}
	fmt.Printf("owner %s: %d journal entries, %d snapshots\n", st.OwnerKey, len(st.Journal), st.SnapshotCount)
	fmt.Printf("last applied: %s at %s\n", st.LastMigration.Hash[:12], st.LastMigration.CreatedAt.Format(time.RFC3339))
	for _, e := range st.Journal {
		fmt.Printf("  %4d  %s  %s\n", e.Idx, e.Tag, e.AppliedAt.Format(time.RFC3339))
	}
	return nil
}

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	cf := registerCommon(fs)
	schemaPath := fs.String("schema", "", "Path to JSON schema definition file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	def, err := loadDefinition(*schemaPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, closeFn, err := setup(ctx, cf)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := m.CheckMigration(ctx, *cf.owner, def)
	if err != nil {
		return err
	}

	if len(res.Statements) == 0 {
		fmt.Println("schema is up to date, nothing to apply")
		return nil
	}
	fmt.Printf("%d statement(s) pending:\n", len(res.Statements))
	for _, s := range res.Statements {
		fmt.Printf("  %s\n", s)
	}
	if res.DataLoss != nil && res.DataLoss.HasDataLoss {
		fmt.Println("\nWARNING: this migration is destructive:")
		for _, w := range res.DataLoss.Warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
	return nil
}

func runApply(args []string) error {
	fs := flag.NewFlagSet("apply", flag.ContinueOnError)
	cf := registerCommon(fs)
	schemaPath := fs.String("schema", "", "Path to JSON schema definition file")
	force := fs.Bool("force", false, "Apply even if the migration is destructive")
	verbose := fs.Bool("verbose", false, "Log every statement as it executes")
	if err := fs.Parse(args); err != nil {
		return err
	}

	def, err := loadDefinition(*schemaPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	m, closeFn, err := setup(ctx, cf)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := m.Migrate(ctx, *cf.owner, def, migrate.Options{Force: *force, Verbose: *verbose})
	if err != nil {
		return err
	}

	switch res.State {
	case migrate.StateSkipped:
		fmt.Println("schema is up to date, nothing applied")
	default:
		fmt.Printf("applied %d statement(s) as migration %d (%s)\n", len(res.Statements), res.Idx, res.Hash[:12])
	}
	return nil
}

func runReset(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	cf := registerCommon(fs)
	confirm := fs.Bool("yes", false, "Confirm deleting all recorded history for the owner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*confirm {
		return fmt.Errorf("reset deletes all migration history for the owner; re-run with -yes to confirm")
	}

	ctx := context.Background()
	m, closeFn, err := setup(ctx, cf)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Reset(ctx, *cf.owner); err != nil {
		return err
	}
	fmt.Printf("migration history for %s reset\n", *cf.owner)
	return nil
}
