package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	pgTxKey  contextKey = "pg_tx"
	sqlTxKey contextKey = "sql_tx"
)

// Postgres error codes that mean "retry the whole transaction".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// WithTx returns a context carrying tx. Repositories pick it up through
// TxFromContext so that every statement of a unit of work shares it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, pgTxKey, tx)
}

// TxFromContext retrieves the Postgres transaction from context, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(pgTxKey).(pgx.Tx)
	return tx
}

// RunInTx executes fn inside a transaction. If ctx already carries a
// transaction fn joins it and the outer caller owns commit/rollback.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	return runInTx(ctx, pool, pgx.TxOptions{}, fn)
}

// RunInReadTx runs fn in a read-only REPEATABLE READ transaction, so every
// statement sees the same snapshot.
func RunInReadTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	return runInTx(ctx, pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func runInTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a Postgres serialization failure or
// deadlock, both of which leave the database unchanged.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// WithSQLTx is the database/sql counterpart of WithTx.
func WithSQLTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, sqlTxKey, tx)
}

// SQLTxFromContext retrieves the database/sql transaction from context, or nil.
func SQLTxFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(sqlTxKey).(*sql.Tx)
	return tx
}

// RunInSQLTx executes fn inside a database/sql transaction, joining one that
// is already present in ctx.
func RunInSQLTx(ctx context.Context, sqlDB *sql.DB, fn func(ctx context.Context) error) error {
	if SQLTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(WithSQLTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
