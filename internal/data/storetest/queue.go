// Package storetest holds behaviour suites shared by every JobStore and Queue
// backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
)

// Epoch is the starting time of every suite clock.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// QueueFactory returns an empty queue driven by clock.
type QueueFactory func(t *testing.T, clock *data.FixedTimeProvider) core.Queue

// RunQueueTests exercises the lease, ordering and control semantics of a queue.
func RunQueueTests(t *testing.T, newQueue QueueFactory) {
	t.Run("priority then FIFO", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)

		ids := map[string]string{}
		for _, step := range []struct {
			name string
			p    model.Priority
		}{
			{"low", model.PriorityLow},
			{"normal1", model.PriorityNormal},
			{"high", model.PriorityHigh},
			{"normal2", model.PriorityNormal},
		} {
			ids[step.name] = uuid.NewString()
			require.NoError(t, q.Enqueue(ctx, ids[step.name], step.p, 0))
			clock.AddTime(time.Millisecond)
		}
		require.NoError(t, q.Enqueue(ctx, ids["normal1"], model.PriorityNormal, 0), "duplicate enqueue")

		var got []string
		for range 4 {
			lease, err := q.Dequeue(ctx, "w1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, 1, lease.Deliveries)
			got = append(got, lease.JobID)
		}
		assert.Equal(t, []string{ids["high"], ids["normal1"], ids["normal2"], ids["low"]}, got)

		_, err := q.Dequeue(ctx, "w1", time.Minute)
		assert.ErrorIs(t, err, model.ErrQueueEmpty)
	})

	t.Run("lease expiry redelivers", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		id := uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, id, model.PriorityHigh, 0))

		first, err := q.Dequeue(ctx, "w1", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, model.PriorityHigh, first.Priority)

		ok, err := q.ExtendLease(ctx, first.Token, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		clock.AddTime(45 * time.Second)
		_, err = q.Dequeue(ctx, "w2", time.Minute)
		require.ErrorIs(t, err, model.ErrQueueEmpty)

		clock.AddTime(30 * time.Second)
		second, err := q.Dequeue(ctx, "w2", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, id, second.JobID)
		assert.Equal(t, 2, second.Deliveries)
		assert.NotEqual(t, first.Token, second.Token)

		ok, err = q.ExtendLease(ctx, first.Token, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		require.ErrorIs(t, q.Release(ctx, first.Token, model.Ack()), model.ErrLeaseLost)

		require.NoError(t, q.Release(ctx, second.Token, model.Ack()))
		require.ErrorIs(t, q.Release(ctx, second.Token, model.Ack()), model.ErrLeaseLost)
	})

	t.Run("retry release delays visibility", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		id := uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, id, model.PriorityNormal, 0))

		lease, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, q.Release(ctx, lease.Token, model.RetryAfter(4*time.Second)))

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Delayed: 1}, *st)

		_, err = q.Dequeue(ctx, "w1", time.Minute)
		require.ErrorIs(t, err, model.ErrQueueEmpty)

		clock.AddTime(4 * time.Second)
		again, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, id, again.JobID)
		assert.Equal(t, 2, again.Deliveries)

		st, err = q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Active: 1}, *st)
	})

	t.Run("delayed enqueue", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, uuid.NewString(), model.PriorityHigh, time.Minute))

		_, err := q.Dequeue(ctx, "w1", time.Minute)
		require.ErrorIs(t, err, model.ErrQueueEmpty)
		clock.AddTime(time.Minute)
		_, err = q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
	})

	t.Run("remove loses to a held lease", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		leased, waiting := uuid.NewString(), uuid.NewString()
		require.NoError(t, q.Enqueue(ctx, leased, model.PriorityHigh, 0))
		require.NoError(t, q.Enqueue(ctx, waiting, model.PriorityLow, 0))

		lease, err := q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, leased, lease.JobID)

		removed, err := q.Remove(ctx, leased)
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = q.Remove(ctx, waiting)
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = q.Remove(ctx, waiting)
		require.ErrorIs(t, err, model.ErrNotQueued, "a removed item is no longer queued")
		assert.False(t, removed)
		_, err = q.Remove(ctx, uuid.NewString())
		require.ErrorIs(t, err, model.ErrNotQueued)

		clock.AddTime(2 * time.Minute)
		removed, err = q.Remove(ctx, leased)
		require.NoError(t, err)
		assert.True(t, removed, "expired leases do not protect the item")
		require.ErrorIs(t, q.Release(ctx, lease.Token, model.Ack()), model.ErrLeaseLost)
	})

	t.Run("pause and resume", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		require.NoError(t, q.Enqueue(ctx, uuid.NewString(), model.PriorityNormal, 0))

		require.NoError(t, q.Pause(ctx))
		_, err := q.Dequeue(ctx, "w1", time.Minute)
		require.ErrorIs(t, err, model.ErrQueueEmpty)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStats{Waiting: 1, Paused: true}, *st)

		require.NoError(t, q.Resume(ctx))
		_, err = q.Dequeue(ctx, "w1", time.Minute)
		require.NoError(t, err)
	})

	t.Run("enqueue wakes waiters", func(t *testing.T) {
		clock := data.NewFixedTimeProvider(Epoch)
		q := newQueue(t, clock)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- q.WaitForNotification(ctx) }()

		// Enqueue repeatedly until the waiter observes one; subscription
		// setup is asynchronous on networked backends.
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case err := <-done:
				require.NoError(t, err)
				return
			case <-ticker.C:
				require.NoError(t, q.Enqueue(ctx, uuid.NewString(), model.PriorityNormal, 0))
			case <-ctx.Done():
				t.Fatal("waiter was not woken")
			}
		}
	})
}
