// Package dbx holds the database/sql plumbing the postgres intent store
// shares: DBTX lets the same queries run on a pool or inside a transaction,
// and WithTx makes an intent write and its transition row commit together.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a transaction on db. The status update of an intent
// and the row appended to intent_transitions either both land or neither
// does: any error from fn, including common.ErrStatusConflict from a lost
// conditional update, rolls back. A panic in fn rolls back and is re-raised.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    if _, err := tx.ExecContext(ctx, "UPDATE intents SET status = $1 ...", next); err != nil {
//	        return err
//	    }
//	    _, err := tx.ExecContext(ctx, "INSERT INTO intent_transitions ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin intent tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit intent tx: %w", cErr)
		}
	}()

	return fn(ctx, tx)
}
