package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TxManager runs units of work inside a single Postgres transaction.
type TxManager struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewTxManager creates a TxManager. A positive lockTimeout is applied to every
// transaction with SET LOCAL so row-lock waits fail instead of hanging.
func NewTxManager(pool *pgxpool.Pool, lockTimeout time.Duration) *TxManager {
	return &TxManager{pool: pool, lockTimeout: lockTimeout}
}

// InTx runs fn in a transaction. If ctx already carries a transaction, fn
// joins it and the outer caller keeps ownership of commit/rollback. Otherwise
// the transaction is opened on the tenant connection from ctx (or the pool),
// committed when fn returns nil and rolled back on any error.
func (m *TxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	var (
		tx    pgx.Tx
		txCtx context.Context
	)
	if ConnFromContext(ctx) != nil {
		if txCtx, tx, err = WithTx(ctx); err != nil {
			return err
		}
	} else {
		if tx, err = m.pool.Begin(ctx); err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		txCtx = context.WithValue(ctx, DBTxKey, tx)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if m.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", m.lockTimeout.Milliseconds())
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err = fn(txCtx); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", Classify(err))
	}
	return nil
}
