package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is the single mutation boundary of a migration run. Every DDL statement
// and every history write happens through one Tx; nothing is executed outside
// it once the executing phase begins.
type Tx interface {
	// Exec runs one statement inside the transaction.
	Exec(ctx context.Context, stmt string, args ...any) error
	// QueryRow runs a single-row query inside the transaction.
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	// Commit makes the transaction's effects durable.
	Commit() error
	// Rollback discards the transaction. Safe to call after Commit.
	Rollback() error
}

// nativeTx wraps the driver's own transaction support.
type nativeTx struct {
	tx *sql.Tx
}

func (t *nativeTx) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (t *nativeTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *nativeTx) Commit() error { return t.tx.Commit() }

func (t *nativeTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// manualTx emulates a transaction with explicit BEGIN/COMMIT/ROLLBACK
// statements pinned to one connection, for backends whose driver lacks
// native transaction support.
type manualTx struct {
	conn *sql.Conn
	done bool
}

func beginManualTx(ctx context.Context, sqldb *sql.DB) (Tx, error) {
	conn, err := sqldb.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &manualTx{conn: conn}, nil
}

func (t *manualTx) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := t.conn.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (t *manualTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

func (t *manualTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "COMMIT")
	t.conn.Close()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *manualTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK")
	t.conn.Close()
	if err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
