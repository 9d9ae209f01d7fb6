package redis

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/storetest"
	"github.com/target/exportd/internal/domain/export"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/testutil"
)

func TestQueue(t *testing.T) {
	client := testutil.SetupTestRedis(t)

	storetest.RunQueueTests(t, func(_ *testing.T, clock *data.FixedTimeProvider) core.Queue {
		return NewQueue(client, QueueOptions{
			Prefix:       "test:" + uuid.NewString() + ":",
			TimeProvider: clock,
		})
	})
}

func TestQueue_ReleaseAfterRedeliveryIsLost(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	clock := data.NewFixedTimeProvider(storetest.Epoch)
	q := NewQueue(client, QueueOptions{Prefix: "test:" + uuid.NewString() + ":", TimeProvider: clock})

	id := uuid.NewString()
	require.NoError(t, q.Enqueue(ctx, id, model.PriorityNormal, 0))
	first, err := q.Dequeue(ctx, "w1", time.Second)
	require.NoError(t, err)

	clock.AddTime(2 * time.Second)
	second, err := q.Dequeue(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, second.JobID)
	assert.Equal(t, 2, second.Deliveries)

	require.ErrorIs(t, q.Release(ctx, first.Token, model.Ack()), model.ErrLeaseLost)
	ok, err := q.ExtendLease(ctx, first.Token, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Release(ctx, second.Token, model.Ack()))
	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStats{}, *st)
}

func TestArtifactStore_PutOpenDelete(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	store := NewArtifactStore(client, "test:"+uuid.NewString()+":", time.Hour)

	ref, err := store.Put(ctx, "jobs/j1/item_1.png", strings.NewReader("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, RefScheme+"jobs/j1/item_1.png", ref)

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "png-bytes", string(body))

	ttl, err := client.TTL(ctx, store.prefix+"jobs/j1/item_1.png").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, store.Delete(ctx, ref))
	require.NoError(t, store.Delete(ctx, ref), "deleting twice succeeds")

	_, err = store.Open(ctx, ref)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestArtifactStore_RejectsForeignRefs(t *testing.T) {
	store := NewArtifactStore(nil, "", 0)
	_, err := store.Open(context.Background(), "file:///tmp/x")
	assert.True(t, apperrors.IsValidation(err))
}

func TestProgress_RelayIntoBroker(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := "test:" + uuid.NewString() + ":progress:"
	pub := NewProgressPublisher(client, prefix)
	relay := NewProgressRelay(client, prefix, nil)
	broker := export.NewBroker(8)
	sub := broker.Subscribe(export.AllJobs)
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, "", broker) }()

	evt := model.ProgressEvent{JobID: "job-1", Status: model.JobStatusProcessing, Progress: 50}
	require.Eventually(t, func() bool {
		require.NoError(t, pub.Publish(ctx, evt))
		select {
		case got := <-sub.Events():
			assert.Equal(t, evt.JobID, got.JobID)
			assert.Equal(t, 50, got.Progress)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
