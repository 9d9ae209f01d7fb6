// Package redis implements the export queue, artifact storage and progress
// fan-out on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
)

// DefaultQueuePrefix namespaces the queue keys.
const DefaultQueuePrefix = "exportd:queue:"

var _ core.Queue = (*Queue)(nil)

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Prefix namespaces every key; defaults to DefaultQueuePrefix.
	Prefix       string
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

// Queue is a core.Queue on Redis sorted sets. Every state change runs as one
// Lua script so lease moves are atomic across workers. Time comes from the
// caller's clock, not the Redis server.
type Queue struct {
	client redis.UniversalClient
	keys   []string
	wake   string
	clock  data.TimeProvider
	logger *slog.Logger
}

// NewQueue creates a Redis-backed queue.
func NewQueue(client redis.UniversalClient, opts QueueOptions) *Queue {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &Queue{
		client: client,
		keys: []string{
			prefix + "ready",
			prefix + "delayed",
			prefix + "leased",
			prefix + "items",
			prefix + "tokens",
			prefix + "paused",
			prefix + "seq",
		},
		wake:   prefix + "wake",
		clock:  clock,
		logger: logger.With("component", "redis_queue"),
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (q *Queue) notify(ctx context.Context, reason string) {
	if err := q.client.Publish(ctx, q.wake, reason).Err(); err != nil {
		q.logger.WarnContext(ctx, "queue wake-up publish failed", "error", err)
	}
}

// Enqueue adds jobID. Enqueueing an already queued job is a no-op.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority model.Priority, delay time.Duration) error {
	now := q.clock.Now()
	delay = max(delay, 0)
	inserted, err := enqueueScript.Run(ctx, q.client, q.keys,
		jobID, priority.Rank(), millis(now), millis(now.Add(delay))).Int()
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	if inserted == 1 && delay == 0 {
		q.notify(ctx, "enqueue")
	}
	return nil
}

// Dequeue leases the next visible item.
func (q *Queue) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*model.Lease, error) {
	now := q.clock.Now()
	expires := time.UnixMilli(now.Add(lease).UnixMilli()).UTC()
	token := uuid.NewString()

	res, err := dequeueScript.Run(ctx, q.client, q.keys, millis(now), millis(expires), workerID, token).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrQueueEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis dequeue: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("redis dequeue: unexpected reply %v", res)
	}
	jobID, _ := res[0].(string)
	rank, _ := res[1].(int64)
	deliveries, _ := res[2].(int64)

	return &model.Lease{
		JobID:      jobID,
		Token:      token,
		WorkerID:   workerID,
		Priority:   model.PriorityFromRank(int(rank)),
		ExpiresAt:  expires,
		Deliveries: int(deliveries),
	}, nil
}

// ExtendLease pushes the lease expiry out by lease from now.
func (q *Queue) ExtendLease(ctx context.Context, token string, lease time.Duration) (bool, error) {
	ok, err := extendScript.Run(ctx, q.client, q.keys, token, millis(q.clock.Now().Add(lease))).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend lease: %w", err)
	}
	return ok == 1, nil
}

// Release acks or re-queues the item held by token.
func (q *Queue) Release(ctx context.Context, token string, outcome model.ReleaseOutcome) error {
	if outcome.Kind != model.ReleaseAck && outcome.Kind != model.ReleaseRetry {
		return fmt.Errorf("unknown release kind %q", outcome.Kind)
	}
	now := q.clock.Now()
	delay := max(outcome.Delay, 0)
	ok, err := releaseScript.Run(ctx, q.client, q.keys,
		token, string(outcome.Kind), millis(now), millis(now.Add(delay))).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if ok == 0 {
		return model.ErrLeaseLost
	}
	if outcome.Kind == model.ReleaseRetry && delay == 0 {
		q.notify(ctx, "retry")
	}
	return nil
}

// Remove deletes the item for jobID unless a live lease holds it.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	res, err := removeScript.Run(ctx, q.client, q.keys, jobID, millis(q.clock.Now())).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove: %w", err)
	}
	if res < 0 {
		return false, model.ErrNotQueued
	}
	return res == 1, nil
}

// WaitForNotification blocks until a wake-up is published on the queue
// channel or ctx is done.
func (q *Queue) WaitForNotification(ctx context.Context) error {
	sub := q.client.Subscribe(ctx, q.wake)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	select {
	case _, ok := <-sub.Channel():
		if !ok {
			return errors.New("redis wake-up channel closed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports waiting, delayed and actively leased items.
func (q *Queue) Stats(ctx context.Context) (*model.QueueStats, error) {
	res, err := statsScript.Run(ctx, q.client, q.keys, millis(q.clock.Now())).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis queue stats: %w", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("redis queue stats: unexpected reply %v", res)
	}
	return &model.QueueStats{
		Waiting: int(res[0]),
		Delayed: int(res[1]),
		Active:  int(res[2]),
		Paused:  res[3] == 1,
	}, nil
}

// Pause stops Dequeue from handing out leases.
func (q *Queue) Pause(ctx context.Context) error {
	if err := q.client.Set(ctx, q.keys[5], "1", 0).Err(); err != nil {
		return fmt.Errorf("redis pause: %w", err)
	}
	q.logger.InfoContext(ctx, "export queue paused")
	return nil
}

// Resume re-enables Dequeue and wakes idle workers.
func (q *Queue) Resume(ctx context.Context) error {
	if err := q.client.Del(ctx, q.keys[5]).Err(); err != nil {
		return fmt.Errorf("redis resume: %w", err)
	}
	q.logger.InfoContext(ctx, "export queue resumed")
	q.notify(ctx, "resume")
	return nil
}
