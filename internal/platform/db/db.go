// Package db provides transaction plumbing shared by all repositories.
// A pgx.Tx stored in the context lets one logical transaction span the
// administration record update, the inventory debit, the audit append, and
// the outbox write, so partial effects are never observable.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const txKey contextKey = "pgx_tx"

// Queryable is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx.
type Queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxFromContext returns the transaction stored in the context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// WithTx returns a context carrying the transaction.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// Runner executes functions within a transaction boundary. Domain services
// depend on this interface so tests can substitute a pass-through runner.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner runs transactions against a pgx pool.
type PoolRunner struct {
	pool *pgxpool.Pool
}

// NewPoolRunner creates a PoolRunner.
func NewPoolRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{pool: pool}
}

// InTx begins a transaction, stores it in the context, runs fn, and commits.
// Any error rolls the whole transaction back. Nested calls reuse the
// transaction already in the context.
func (r *PoolRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// NopRunner executes fn directly with no transaction. Used with in-memory
// stores and in tests.
type NopRunner struct{}

// InTx runs fn with the unmodified context.
func (NopRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
