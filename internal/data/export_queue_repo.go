package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/target/exportd/internal/data/pgxutil"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

// queueChannel is the LISTEN/NOTIFY channel signalled when work becomes visible.
const queueChannel = "export_queue"

// ExportQueueRepo is the Postgres implementation of core.Queue. Items live in
// export_queue; leases are claimed with FOR UPDATE SKIP LOCKED so concurrent
// workers never block each other.
type ExportQueueRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewExportQueueRepo creates a new ExportQueueRepo.
func NewExportQueueRepo(db *sql.DB, cfg ExportJobRepoConfig) *ExportQueueRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportQueueRepo{
		DB:           db,
		timeProvider: resolveTimeProvider(cfg.TimeProvider),
		logger:       logger.With("component", "export_queue_repo"),
	}
}

// txConflictAttempts bounds re-runs of queue transactions that hit a
// serialization failure or deadlock.
const txConflictAttempts = 3

// Enqueue adds jobID to the queue. Enqueueing an already queued job is a no-op.
func (q *ExportQueueRepo) Enqueue(ctx context.Context, jobID string, priority model.Priority, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	now := q.timeProvider.Now()
	visibleAt := now.Add(delay)

	err := pgxutil.WithPgxTx(ctx, q.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
				INSERT INTO export_queue (job_id, priority, enqueued_at, visible_at)
				VALUES ($1, $2, $3, $3)
				ON CONFLICT (job_id) DO NOTHING`,
				jobID, priority.Rank(), visibleAt)
			if err != nil {
				return fmt.Errorf("insert queue item: %w", err)
			}
			if tag.RowsAffected() == 0 || delay > 0 {
				return nil
			}
			if _, err = tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, queueChannel, jobID); err != nil {
				return fmt.Errorf("send queue notification: %w", err)
			}
			return nil
		},
		MaxAttempts: txConflictAttempts,
	})
	return apperrors.MapDBError(err)
}

// SQL used by Dequeue to atomically lease the next visible item.
const dequeueSQL = `
  WITH next AS (
    SELECT job_id FROM export_queue
    WHERE visible_at <= $1
      AND (lease_token IS NULL OR lease_expires_at < $1)
      AND NOT COALESCE((SELECT paused FROM export_queue_control WHERE singleton), FALSE)
    ORDER BY priority ASC, enqueued_at ASC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE export_queue q
  SET lease_token = $2,
      leased_by = $3,
      lease_expires_at = $4,
      deliveries = q.deliveries + 1
  FROM next
  WHERE q.job_id = next.job_id
  RETURNING q.job_id, q.priority, q.deliveries`

// Dequeue leases the highest-priority visible item for lease.
func (q *ExportQueueRepo) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*model.Lease, error) {
	now := q.timeProvider.Now()
	token := uuid.NewString()
	expiresAt := now.Add(lease)

	var (
		jobID      string
		rank       int
		deliveries int
	)
	err := pgxutil.WithPgxConn(ctx, q.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, dequeueSQL, now, token, workerID, expiresAt).Scan(&jobID, &rank, &deliveries)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrQueueEmpty
	}
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &model.Lease{
		JobID:      jobID,
		Token:      token,
		WorkerID:   workerID,
		Priority:   model.PriorityFromRank(rank),
		ExpiresAt:  expiresAt,
		Deliveries: deliveries,
	}, nil
}

// ExtendLease pushes the lease expiry out by lease from now.
func (q *ExportQueueRepo) ExtendLease(ctx context.Context, token string, lease time.Duration) (bool, error) {
	return q.exec(ctx, `UPDATE export_queue SET lease_expires_at = $2 WHERE lease_token = $1`,
		token, q.timeProvider.Now().Add(lease))
}

// Release acks or re-queues the item held by token.
func (q *ExportQueueRepo) Release(ctx context.Context, token string, outcome model.ReleaseOutcome) error {
	var (
		ok  bool
		err error
	)
	switch outcome.Kind {
	case model.ReleaseAck:
		ok, err = q.exec(ctx, `DELETE FROM export_queue WHERE lease_token = $1`, token)
	case model.ReleaseRetry:
		ok, err = q.releaseRetry(ctx, token, outcome.Delay)
	default:
		return fmt.Errorf("unknown release kind %q", outcome.Kind)
	}
	if err != nil {
		return err
	}
	if !ok {
		return model.ErrLeaseLost
	}
	return nil
}

func (q *ExportQueueRepo) releaseRetry(ctx context.Context, token string, delay time.Duration) (bool, error) {
	visibleAt := q.timeProvider.Now().Add(max(delay, 0))
	var jobID string
	err := pgxutil.WithPgxTx(ctx, q.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			scanErr := tx.QueryRow(ctx, `
				UPDATE export_queue
				SET lease_token = NULL,
				    leased_by = NULL,
				    lease_expires_at = NULL,
				    enqueued_at = $2,
				    visible_at = $2
				WHERE lease_token = $1
				RETURNING job_id`, token, visibleAt).Scan(&jobID)
			if scanErr != nil {
				return scanErr
			}
			if delay > 0 {
				return nil
			}
			_, notifyErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, queueChannel, jobID)
			return notifyErr
		},
		MaxAttempts: txConflictAttempts,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return true, nil
}

// removeSQL locks the item, deletes it unless a live lease holds it, and
// reports whether the item existed at all.
const removeSQL = `
	WITH target AS (
		SELECT job_id, lease_token, lease_expires_at
		FROM export_queue
		WHERE job_id = $1
		FOR UPDATE
	), removed AS (
		DELETE FROM export_queue q
		USING target t
		WHERE q.job_id = t.job_id
		  AND (t.lease_token IS NULL OR t.lease_expires_at < $2)
		RETURNING q.job_id
	)
	SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM removed)`

// Remove deletes the item for jobID unless a live lease holds it.
func (q *ExportQueueRepo) Remove(ctx context.Context, jobID string) (bool, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return false, model.ErrNotQueued
	}
	var exists, removed bool
	err := pgxutil.WithPgxConn(ctx, q.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, removeSQL, jobID, q.timeProvider.Now()).Scan(&exists, &removed)
	})
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	if !exists {
		return false, model.ErrNotQueued
	}
	return removed, nil
}

// WaitForNotification blocks until an item is enqueued or ctx is done.
func (q *ExportQueueRepo) WaitForNotification(ctx context.Context) error {
	conn, err := q.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	quoted := pgx.Identifier{queueChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", queueChannel, execErr)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// Stats reports waiting, delayed and actively leased items.
func (q *ExportQueueRepo) Stats(ctx context.Context) (*model.QueueStats, error) {
	var st model.QueueStats
	err := pgxutil.WithPgxConn(ctx, q.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE visible_at <= $1 AND (lease_token IS NULL OR lease_expires_at < $1)),
				COUNT(*) FILTER (WHERE visible_at > $1 AND lease_token IS NULL),
				COUNT(*) FILTER (WHERE lease_token IS NOT NULL AND lease_expires_at >= $1),
				COALESCE((SELECT paused FROM export_queue_control WHERE singleton), FALSE)
			FROM export_queue`, q.timeProvider.Now()).Scan(&st.Waiting, &st.Delayed, &st.Active, &st.Paused)
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return &st, nil
}

// Pause stops Dequeue from handing out leases. Held leases are unaffected.
func (q *ExportQueueRepo) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume re-enables Dequeue and wakes idle workers.
func (q *ExportQueueRepo) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *ExportQueueRepo) setPaused(ctx context.Context, paused bool) error {
	err := pgxutil.WithPgxTx(ctx, q.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO export_queue_control (singleton, paused, updated_at)
				VALUES (TRUE, $1, $2)
				ON CONFLICT (singleton) DO UPDATE SET paused = EXCLUDED.paused, updated_at = EXCLUDED.updated_at`,
				paused, q.timeProvider.Now()); err != nil {
				return err
			}
			if paused {
				return nil
			}
			_, err := tx.Exec(ctx, `SELECT pg_notify($1::text, 'resume')`, queueChannel)
			return err
		},
		MaxAttempts: txConflictAttempts,
	})
	return apperrors.MapDBError(err)
}

func (q *ExportQueueRepo) exec(ctx context.Context, query string, args ...any) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, q.DB, func(conn *pgx.Conn) error {
		tag, execErr := conn.Exec(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return affected > 0, nil
}
