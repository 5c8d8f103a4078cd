package db

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// extension names are never attacker-supplied, but validating them is cheap.
var extensionNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// perExtensionTimeout bounds each install so one unsupported extension can
// never hang a whole migration.
const perExtensionTimeout = 15 * time.Second

// ExtensionManager idempotently ensures database extensions exist.
// Installation is best-effort: environments without superuser rights or
// without a given extension produce a warning, not a failed migration.
type ExtensionManager struct {
	backend *Backend
	logger  *slog.Logger

	mu        sync.Mutex
	attempted map[string]bool
}

// NewExtensionManager creates an ExtensionManager for the backend.
func NewExtensionManager(backend *Backend, logger *slog.Logger) *ExtensionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExtensionManager{
		backend:   backend,
		logger:    logger,
		attempted: make(map[string]bool),
	}
}

// Install ensures each named extension exists. Invalid names are skipped with
// a warning; install failures are logged per extension and never abort the
// batch. Backends without extension support make this a no-op.
func (m *ExtensionManager) Install(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	if !m.backend.Capabilities().SupportsExtensions {
		m.logger.Debug("backend does not support extensions, skipping install", "extensions", names)
		return
	}

	for _, name := range names {
		if !extensionNameRe.MatchString(name) {
			m.logger.Warn("skipping extension with invalid name", "extension", name)
			continue
		}

		m.mu.Lock()
		if m.attempted[name] {
			m.mu.Unlock()
			continue
		}
		m.attempted[name] = true
		m.mu.Unlock()

		extCtx, cancel := context.WithTimeout(ctx, perExtensionTimeout)
		stmt := fmt.Sprintf(`CREATE EXTENSION IF NOT EXISTS "%s"`, name)
		if _, err := m.backend.DB().ExecContext(extCtx, stmt); err != nil {
			m.logger.Warn("extension install failed, continuing",
				"extension", name,
				"error", err)
		} else {
			m.logger.Debug("extension ensured", "extension", name)
		}
		cancel()
	}
}
