// Package pgxutil bridges database/sql handles opened with the pgx stdlib
// driver to native pgx connections and transactions.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// TxConfig groups parameters for WithPgxTx.
type TxConfig struct {
	Opts *sql.TxOptions
	Fn   func(pgx.Tx) error
	// MaxAttempts bounds re-runs of Fn after a serialization failure or
	// deadlock. Zero or one runs Fn once.
	MaxAttempts int
}

// retryBackoff is the pause before the nth re-run of a conflicted transaction.
func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 5 * time.Millisecond
}

// ToPgxTxOptions converts sql.TxOptions to pgx.TxOptions.
func ToPgxTxOptions(opts *sql.TxOptions) pgx.TxOptions {
	var pgxOpts pgx.TxOptions
	if opts == nil {
		return pgxOpts
	}
	switch opts.Isolation {
	case sql.LevelSerializable, sql.LevelLinearizable:
		pgxOpts.IsoLevel = pgx.Serializable
	case sql.LevelRepeatableRead, sql.LevelSnapshot:
		pgxOpts.IsoLevel = pgx.RepeatableRead
	case sql.LevelReadCommitted, sql.LevelWriteCommitted:
		pgxOpts.IsoLevel = pgx.ReadCommitted
	case sql.LevelReadUncommitted:
		pgxOpts.IsoLevel = pgx.ReadUncommitted
	default:
		// server default
	}
	if opts.ReadOnly {
		pgxOpts.AccessMode = pgx.ReadOnly
	} else {
		pgxOpts.AccessMode = pgx.ReadWrite
	}
	return pgxOpts
}

// IsTxConflict reports whether err is a serialization failure or deadlock,
// both of which succeed when the whole transaction is re-run.
func IsTxConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// WithPgxConn acquires a *pgx.Conn via the stdlib bridge and executes fn with it.
// The connection returns to the database/sql pool afterwards.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		return fn(std.Conn())
	})
}

// WithPgxTx runs fn within a pgx transaction, committing when fn returns nil.
// Conflicted transactions are re-run up to cfg.MaxAttempts times.
func WithPgxTx(ctx context.Context, db *sql.DB, cfg TxConfig) error {
	attempts := max(cfg.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = WithPgxConn(ctx, db, func(pgxConn *pgx.Conn) error {
			return runTx(ctx, pgxConn, cfg)
		})
		if err == nil || !IsTxConflict(err) || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(retryBackoff(attempt)):
		}
	}
	return err
}

func runTx(ctx context.Context, conn *pgx.Conn, cfg TxConfig) error {
	tx, err := conn.BeginTx(ctx, ToPgxTxOptions(cfg.Opts))
	if err != nil {
		return fmt.Errorf("begin pgx tx: %w", err)
	}
	defer func() {
		// rollback after commit reports ErrTxClosed, which is expected
		_ = tx.Rollback(ctx)
	}()
	if fnErr := cfg.Fn(tx); fnErr != nil {
		return fnErr
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit pgx tx: %w", commitErr)
	}
	return nil
}
