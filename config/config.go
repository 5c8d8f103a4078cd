// Package config loads engine configuration from YAML with environment
// variable overrides, and detects which database backend a connection
// string points at.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/autoschema/db"
)

// Config holds engine settings.
type Config struct {
	// DatabaseURL is a PostgreSQL connection string or a SQLite file path.
	DatabaseURL string `yaml:"database_url"`
	// Environment names the deployment environment ("development",
	// "staging", "production").
	Environment string `yaml:"environment"`
	// AllowDestructive is the process-wide data-loss override.
	AllowDestructive bool `yaml:"allow_destructive"`
	// Extensions are ensured before migrations run (PostgreSQL only).
	Extensions []string `yaml:"extensions"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DatabaseURL: "autoschema.db",
		Environment: "development",
	}
}

// Load reads a YAML config file and applies environment overrides. A missing
// path loads defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AUTOSCHEMA_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("AUTOSCHEMA_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("AUTOSCHEMA_ALLOW_DESTRUCTIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowDestructive = b
		}
	}
	if v := os.Getenv("AUTOSCHEMA_EXTENSIONS"); v != "" {
		c.Extensions = c.Extensions[:0]
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Extensions = append(c.Extensions, name)
			}
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: database_url is required")
	}
	switch c.Environment {
	case "development", "staging", "production", "test":
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	return nil
}

// Capabilities detects the backend the configured URL points at.
func (c *Config) Capabilities() db.Capabilities {
	return DetectCapabilities(c.DatabaseURL)
}

// postgresHostSuffixes mark managed PostgreSQL providers whose URLs may not
// carry an explicit scheme.
var postgresHostSuffixes = []string{
	".rds.amazonaws.com",
	".supabase.co",
	".neon.tech",
	".db.ondigitalocean.com",
}

// DetectCapabilities classifies a connection string as PostgreSQL or SQLite.
// Anything that does not look like a PostgreSQL URL or DSN is treated as a
// SQLite file path.
func DetectCapabilities(url string) db.Capabilities {
	s := strings.TrimSpace(url)
	lower := strings.ToLower(s)

	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"):
		return db.PostgresCapabilities()
	case strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "file:"),
		lower == ":memory:",
		strings.HasSuffix(lower, ".db"),
		strings.HasSuffix(lower, ".sqlite"),
		strings.HasSuffix(lower, ".sqlite3"):
		return db.SQLiteCapabilities()
	}

	// Keyword DSN form: "host=... dbname=... user=...".
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return db.PostgresCapabilities()
	}
	for _, suffix := range postgresHostSuffixes {
		if strings.Contains(lower, suffix) {
			return db.PostgresCapabilities()
		}
	}
	if strings.Contains(lower, ":5432") {
		return db.PostgresCapabilities()
	}

	return db.SQLiteCapabilities()
}

// Open connects to the configured database using the detected backend.
func (c *Config) Open(ctx context.Context) (*db.Backend, error) {
	caps := c.Capabilities()
	if caps.Dialect == db.DialectPostgres {
		return db.OpenPostgres(ctx, c.DatabaseURL)
	}
	path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	return db.OpenSQLite(path)
}
