package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type txKey struct{}

// Transactor runs work in a transaction carried through the context.
// Repositories called with that context join it; nested calls reuse the outer transaction.
type Transactor struct {
	db *sqlx.DB
}

// NewTransactor constructs a Transactor.
func NewTransactor(db *sqlx.DB) *Transactor {
	return &Transactor{db: db}
}

// WithinTx executes fn inside a transaction, committing on success and rolling back on error.
func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, t.db, fn)
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func txFromContext(ctx context.Context) *sqlx.Tx {
	tx, _ := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx
}

// conn returns the context transaction when present, otherwise the pool.
func conn(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return db
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
