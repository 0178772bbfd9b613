package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

// ConnFromContext returns the transaction opened by TxManager, or nil when
// the caller is not inside one.
func ConnFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBConnKey).(pgx.Tx)
	return tx
}

// TxManager runs units of work inside a single pgx transaction. Repositories
// pick the transaction up through ConnFromContext.
type TxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// InTx runs fn in a transaction. Nested calls join the outer transaction.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ConnFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBConnKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithAdvisoryLock runs fn in a transaction holding a transaction-scoped
// advisory lock on key. The lock is released on commit or rollback.
func (m *TxManager) WithAdvisoryLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return m.InTx(ctx, func(ctx context.Context) error {
		tx := ConnFromContext(ctx)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("advisory lock %s: %w", key, err)
		}
		return fn(ctx)
	})
}
