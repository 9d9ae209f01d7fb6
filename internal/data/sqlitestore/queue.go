package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
)

var _ core.Queue = (*Queue)(nil)

// Queue is the SQLite implementation of core.Queue. Dequeue runs in an
// immediate transaction so concurrent callers never lease the same row.
// Wake-ups are delivered in-process only.
type Queue struct {
	db     *sql.DB
	clock  data.TimeProvider
	logger *slog.Logger

	mu   sync.Mutex
	wake chan struct{}
}

// NewQueue wraps a database opened with Open.
func NewQueue(db *sql.DB, cfg Config) *Queue {
	logger, clock := cfg.resolve("sqlite_queue")
	return &Queue{db: db, clock: clock, logger: logger, wake: make(chan struct{})}
}

func (q *Queue) signal() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Enqueue adds jobID. Enqueueing an already queued job is a no-op.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority model.Priority, delay time.Duration) error {
	at := toMillis(q.clock.Now().Add(max(delay, 0)))
	inserted, err := execAffected(ctx, q.db, `INSERT INTO export_queue (job_id, priority, enqueued_at, visible_at)
VALUES (?, ?, ?, ?) ON CONFLICT (job_id) DO NOTHING`, jobID, priority.Rank(), at, at)
	if err != nil {
		return err
	}
	if inserted && delay <= 0 {
		q.signal()
	}
	return nil
}

// Dequeue leases the next visible item.
func (q *Queue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*model.Lease, error) {
	now := q.clock.Now()
	nowMs := toMillis(now)

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		jobID      string
		rank       int
		deliveries int
	)
	err = tx.QueryRowContext(ctx, `SELECT job_id, priority, deliveries FROM export_queue
WHERE visible_at <= ?
  AND (lease_token IS NULL OR lease_expires_at < ?)
  AND NOT (SELECT paused FROM export_queue_control WHERE singleton = 1)
ORDER BY priority, enqueued_at, seq
LIMIT 1`, nowMs, nowMs).Scan(&jobID, &rank, &deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrQueueEmpty
	}
	if err != nil {
		return nil, mapError(err)
	}

	out := &model.Lease{
		JobID:      jobID,
		Token:      uuid.NewString(),
		WorkerID:   workerID,
		Priority:   model.PriorityFromRank(rank),
		ExpiresAt:  fromMillis(toMillis(now.Add(lease))),
		Deliveries: deliveries + 1,
	}
	if _, err = tx.ExecContext(ctx, `UPDATE export_queue SET
  lease_token = ?, leased_by = ?, lease_expires_at = ?, deliveries = deliveries + 1
WHERE job_id = ?`, out.Token, workerID, toMillis(out.ExpiresAt), jobID); err != nil {
		return nil, mapError(err)
	}
	if err = tx.Commit(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ExtendLease pushes the lease expiry out by lease from now.
func (q *Queue) ExtendLease(ctx context.Context, token string, lease time.Duration) (bool, error) {
	return execAffected(ctx, q.db, `UPDATE export_queue SET lease_expires_at = ? WHERE lease_token = ?`,
		toMillis(q.clock.Now().Add(lease)), token)
}

// Release acks or re-queues the item held by token.
func (q *Queue) Release(ctx context.Context, token string, outcome model.ReleaseOutcome) error {
	var (
		ok  bool
		err error
	)
	switch outcome.Kind {
	case model.ReleaseAck:
		ok, err = execAffected(ctx, q.db, `DELETE FROM export_queue WHERE lease_token = ?`, token)
	case model.ReleaseRetry:
		at := toMillis(q.clock.Now().Add(max(outcome.Delay, 0)))
		ok, err = execAffected(ctx, q.db, `UPDATE export_queue SET
  enqueued_at = ?, visible_at = ?, lease_token = NULL, leased_by = NULL, lease_expires_at = NULL
WHERE lease_token = ?`, at, at, token)
		if ok && outcome.Delay <= 0 {
			q.signal()
		}
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

// Remove deletes the item for jobID unless a live lease holds it.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	removed, err := execAffected(ctx, q.db, `DELETE FROM export_queue
WHERE job_id = ? AND (lease_token IS NULL OR lease_expires_at < ?)`, jobID, toMillis(q.clock.Now()))
	if err != nil || removed {
		return removed, err
	}
	var one int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM export_queue WHERE job_id = ?`, jobID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, model.ErrNotQueued
	}
	if err != nil {
		return false, mapError(err)
	}
	return false, nil
}

// WaitForNotification blocks until this process enqueues, retries or resumes,
// or until ctx is done. Workers in other processes rely on their poll interval.
func (q *Queue) WaitForNotification(ctx context.Context) error {
	q.mu.Lock()
	wake := q.wake
	q.mu.Unlock()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports waiting, delayed and actively leased items.
func (q *Queue) Stats(ctx context.Context) (*model.QueueStats, error) {
	now := toMillis(q.clock.Now())
	st := &model.QueueStats{}
	err := q.db.QueryRowContext(ctx, `SELECT
  COUNT(*) FILTER (WHERE lease_token IS NOT NULL AND lease_expires_at >= ?1),
  COUNT(*) FILTER (WHERE (lease_token IS NULL OR lease_expires_at < ?1) AND visible_at > ?1),
  COUNT(*) FILTER (WHERE (lease_token IS NULL OR lease_expires_at < ?1) AND visible_at <= ?1),
  (SELECT paused FROM export_queue_control WHERE singleton = 1)
FROM export_queue`, now).Scan(&st.Active, &st.Delayed, &st.Waiting, &st.Paused)
	if err != nil {
		return nil, mapError(err)
	}
	return st, nil
}

// Pause stops Dequeue from handing out leases.
func (q *Queue) Pause(ctx context.Context) error {
	_, err := execAffected(ctx, q.db, `UPDATE export_queue_control SET paused = 1 WHERE singleton = 1`)
	if err == nil {
		q.logger.InfoContext(ctx, "export queue paused")
	}
	return err
}

// Resume re-enables Dequeue and wakes idle workers.
func (q *Queue) Resume(ctx context.Context) error {
	if _, err := execAffected(ctx, q.db, `UPDATE export_queue_control SET paused = 0 WHERE singleton = 1`); err != nil {
		return err
	}
	q.logger.InfoContext(ctx, "export queue resumed")
	q.signal()
	return nil
}
