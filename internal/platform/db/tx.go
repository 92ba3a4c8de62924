package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DBTxKey is the context key under which an open transaction is carried.
// Repositories check it first so that multi-step operations (decision +
// history append + version bump) share one atomic transaction.
const DBTxKey contextKey = "db_tx"

// TxFromContext retrieves the transaction from context, or nil if none.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the tenant-scoped connection carried in ctx
// and returns a derived context with the transaction attached. The caller owns
// the transaction: Commit or Rollback it explicitly.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// ContextWithTx returns a derived context carrying an already-open
// transaction. Used by repositories that begin transactions directly on the
// pool, outside a tenant-scoped request (the sweeper, CLI commands).
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// RunInTx executes fn inside a transaction derived from ctx, committing on
// success and rolling back on error or panic.
func RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	txCtx, tx, err := WithTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(txCtx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
