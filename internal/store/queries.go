package store

import (
	"context"
	"database/sql"
	"fmt"
)

// dbtx is the subset of *sql.DB and *sql.Tx used by queries.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every read and write of the store. Store runs them against
// the database; Tx runs them inside a transaction. db is nil inside a
// transaction.
type queries struct {
	q  dbtx
	db *sql.DB
}

// atomic runs fn in a transaction, or directly if already inside one.
func (qs queries) atomic(ctx context.Context, fn func(queries) error) error {
	if qs.db == nil {
		return fn(qs)
	}

	tx, err := qs.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(queries{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}
