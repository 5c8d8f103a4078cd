// Package lock serializes migration runs per owner key across an entire
// fleet of processes sharing one database. Networked PostgreSQL backends use
// session advisory locks; embedded backends fall back to an in-process lock
// plus the engine's own file locking.
package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/GoCodeAlone/autoschema/db"
)

// DistributedLock provides mutual exclusion for migration runs. Acquire
// blocks until the lock is held or the context is cancelled; the returned
// release function must be called exactly once.
type DistributedLock interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// LockID derives a deterministic advisory lock id from an owner key: the
// first eight bytes of SHA-256(key), masked into the positive int64 range
// PostgreSQL advisory locks accept. Two owners get independent ids, so they
// never contend with each other.
func LockID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]) & 0x7FFFFFFFFFFFFFFF)
}

// AdvisoryLock implements DistributedLock using PostgreSQL session advisory
// locks. Acquisition blocks server-side (no polling) until the lock is
// granted. The lock is taken on a dedicated connection so release pairs with
// the session that holds it.
type AdvisoryLock struct {
	db *sql.DB
}

// NewAdvisoryLock creates an AdvisoryLock over the given handle.
func NewAdvisoryLock(sqldb *sql.DB) *AdvisoryLock {
	return &AdvisoryLock{db: sqldb}
}

// Acquire blocks until pg_advisory_lock grants the lock for the key's id.
func (l *AdvisoryLock) Acquire(ctx context.Context, key string) (func(), error) {
	id := LockID(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn for advisory lock: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", id, err)
	}

	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			// release must not be lost to a cancelled migration context
			_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id)
			conn.Close()
		})
	}
	return release, nil
}

// InProcessLock implements DistributedLock with per-key blocking mutexes.
// Embedded engines have no advisory locks; their cross-process safety comes
// from the database's own file locking, so in-process exclusion is enough.
type InProcessLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	held    bool
	waiters chan struct{} // signals one waiter when the lock is released
}

// NewInProcessLock creates a new InProcessLock.
func NewInProcessLock() *InProcessLock {
	return &InProcessLock{locks: make(map[string]*lockEntry)}
}

func (l *InProcessLock) entry(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{waiters: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	return e
}

// Acquire blocks on a waiter channel until the key's lock is free or the
// context is cancelled.
func (l *InProcessLock) Acquire(ctx context.Context, key string) (func(), error) {
	e := l.entry(key)

	for {
		e.mu.Lock()
		if !e.held {
			e.held = true
			e.mu.Unlock()

			var releaseOnce sync.Once
			release := func() {
				releaseOnce.Do(func() {
					e.mu.Lock()
					e.held = false
					e.mu.Unlock()
					select {
					case e.waiters <- struct{}{}:
					default:
					}
				})
			}
			return release, nil
		}
		e.mu.Unlock()

		select {
		case <-e.waiters:
			// lock was released, try again
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock for %s: %w", key, ctx.Err())
		}
	}
}

// NoopLock implements DistributedLock without any locking, for backends
// where advisory locks are unsupported and the operator has accepted the
// degraded mode.
type NoopLock struct{}

// Acquire returns immediately.
func (NoopLock) Acquire(ctx context.Context, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return func() {}, nil
}

// ForBackend picks the lock implementation matching the backend's
// capabilities: advisory locks for networked PostgreSQL, an in-process lock
// for embedded engines.
func ForBackend(backend *db.Backend, logger *slog.Logger) DistributedLock {
	if logger == nil {
		logger = slog.Default()
	}
	if backend.Capabilities().SupportsAdvisoryLocks {
		return NewAdvisoryLock(backend.DB())
	}
	logger.Debug("backend has no advisory locks, using in-process lock")
	return NewInProcessLock()
}
