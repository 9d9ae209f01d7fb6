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
	apperrors "github.com/target/exportd/internal/errors"
)

// StoreFactory returns an empty store driven by clock.
type StoreFactory func(t *testing.T, clock *data.FixedTimeProvider) core.JobStore

// NewJob returns an unsaved job for owner with the given items.
func NewJob(owner string, items ...string) *model.ExportJob {
	kind := model.JobKindBatch
	if len(items) == 1 {
		kind = model.JobKindSingle
	}
	return &model.ExportJob{
		ID:             uuid.NewString(),
		OwnerID:        owner,
		ItemRefs:       items,
		Kind:           kind,
		RenderSettings: model.DefaultRenderSettings(),
		Priority:       model.PriorityNormal,
	}
}

func appendAll(t *testing.T, s core.JobStore, job *model.ExportJob, attempt int) {
	t.Helper()
	for i := range job.ItemRefs {
		ok, err := s.AppendArtifact(context.Background(), core.AppendArtifactParams{
			JobID: job.ID, Attempt: attempt, Index: i, Ref: "artifact-" + job.ItemRefs[i],
			Progress: (i + 1) * 100 / len(job.ItemRefs),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}
}

// RunJobStoreTests exercises the creation, fencing and lifecycle semantics of a store.
func RunJobStoreTests(t *testing.T, newStore StoreFactory) {
	t.Run("create and get", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		s := newStore(t, clock)

		in := NewJob("owner-1", "a", "b")
		preset := "story"
		in.Preset = &preset
		created, err := s.Create(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, created.Status)
		assert.Equal(t, []string{"a", "b"}, created.ItemRefs)
		assert.Empty(t, created.ArtifactRefs)
		assert.Equal(t, in.RenderSettings, created.RenderSettings)
		require.NotNil(t, created.Preset)
		assert.Equal(t, "story", *created.Preset)
		assert.True(t, created.CreatedAt.Equal(Epoch))

		got, err := s.GetByID(ctx, in.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.ItemRefs, got.ItemRefs)

		_, err = s.Create(ctx, in)
		assert.True(t, apperrors.IsConflict(err), "duplicate id: %v", err)

		_, err = s.GetByID(ctx, uuid.NewString())
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("attempt fencing", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		s := newStore(t, clock)
		job, err := s.Create(ctx, NewJob("owner-1", "a", "b"))
		require.NoError(t, err)

		started, err := s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, started.Status)
		assert.Equal(t, 1, started.AttemptCount)

		ok, err := s.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: 1, Ref: "b", Progress: 100})
		require.NoError(t, err)
		assert.False(t, ok, "gaps are rejected")

		ok, err = s.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: 0, Ref: "a", Progress: 50})
		require.NoError(t, err)
		assert.True(t, ok)

		// A second attempt fences the first.
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		ok, err = s.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: 0, Ref: "stale", Progress: 50})
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.FailAttempt(ctx, core.FailAttemptParams{JobID: job.ID, Attempt: 1, Reason: "stale", Final: true})
		require.NoError(t, err)
		assert.False(t, ok)

		cur, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, cur.AttemptCount)
		assert.Empty(t, cur.ArtifactRefs)
		assert.Equal(t, 0, cur.Progress)
	})

	t.Run("complete", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		s := newStore(t, clock)
		job, err := s.Create(ctx, NewJob("owner-1", "a", "b"))
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		appendAll(t, s, job, 1)

		archive := "archive-ref"
		expires := Epoch.Add(7 * 24 * time.Hour)
		ok, err := s.Complete(ctx, core.CompleteParams{
			JobID: job.ID, Attempt: 1, AggregateRef: &archive, ExpiresAt: expires, ProcessingTime: 2 * time.Second,
		})
		require.NoError(t, err)
		require.True(t, ok)

		done, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, done.Status)
		assert.Equal(t, 100, done.Progress)
		assert.Equal(t, []string{"artifact-a", "artifact-b"}, done.ArtifactRefs)
		require.NotNil(t, done.AggregateRef)
		assert.Equal(t, archive, *done.AggregateRef)
		require.NotNil(t, done.ExpiresAt)
		assert.True(t, done.ExpiresAt.Equal(expires))
		require.NotNil(t, done.ProcessingTimeMs)
		assert.Equal(t, int64(2000), *done.ProcessingTimeMs)

		_, err = s.StartAttempt(ctx, job.ID)
		assert.True(t, apperrors.IsConflict(err))
		_, err = s.StartAttempt(ctx, uuid.NewString())
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("non-final failure keeps processing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, data.NewFixedTimeProvider(Epoch))
		job, err := s.Create(ctx, NewJob("owner-1", "a", "b"))
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: 0, Ref: "a", Progress: 50})
		require.NoError(t, err)

		ok, err := s.FailAttempt(ctx, core.FailAttemptParams{JobID: job.ID, Attempt: 1, Reason: "flaky"})
		require.NoError(t, err)
		require.True(t, ok)

		cur, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, cur.Status)
		assert.Empty(t, cur.ArtifactRefs)
		assert.Equal(t, 0, cur.Progress)
		assert.Nil(t, cur.FailureReason)
	})

	t.Run("final failure and explicit retry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, data.NewFixedTimeProvider(Epoch))
		job, err := s.Create(ctx, NewJob("owner-1", "a", "b"))
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		appendAll(t, s, job, 1)

		ok, err := s.FailAttempt(ctx, core.FailAttemptParams{
			JobID: job.ID, Attempt: 1, Reason: "aggregation_failed", Final: true, KeepArtifacts: true,
		})
		require.NoError(t, err)
		require.True(t, ok)

		failed, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, failed.Status)
		require.NotNil(t, failed.FailureReason)
		assert.Equal(t, "aggregation_failed", *failed.FailureReason)
		assert.Len(t, failed.ArtifactRefs, 2)
		assert.Nil(t, failed.AggregateRef)

		ok, err = s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok, "terminal jobs cannot be flagged")

		ok, err = s.ResetForRetry(ctx, job.ID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.ResetForRetry(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, ok, "only failed jobs reset")

		reset, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, reset.Status)
		assert.Equal(t, 1, reset.AttemptCount)
		assert.Equal(t, 0, reset.ChainAttempts())
		assert.Equal(t, 0, reset.Progress)
		assert.Empty(t, reset.ArtifactRefs)
		assert.Nil(t, reset.FailureReason)
		assert.Nil(t, reset.CompletedAt)
		assert.Nil(t, reset.StartedAt)

		again, err := s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, again.AttemptCount)
		assert.Equal(t, 1, again.ChainAttempts())
	})

	t.Run("released attempt is not spent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, data.NewFixedTimeProvider(Epoch))
		job, err := s.Create(ctx, NewJob("owner-1", "a", "b"))
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: 0, Ref: "a", Progress: 50})
		require.NoError(t, err)

		ok, err := s.ReleaseAttempt(ctx, job.ID, 2)
		require.NoError(t, err)
		assert.False(t, ok, "a stale attempt cannot release")

		ok, err = s.ReleaseAttempt(ctx, job.ID, 1)
		require.NoError(t, err)
		require.True(t, ok)
		cur, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, cur.Status)
		assert.Equal(t, 0, cur.AttemptCount)
		assert.Equal(t, 0, cur.Progress)
		assert.Empty(t, cur.ArtifactRefs)

		ok, err = s.ReleaseAttempt(ctx, job.ID, 1)
		require.NoError(t, err)
		assert.False(t, ok, "release applies once")

		again, err := s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, again.AttemptCount)
	})

	t.Run("revert retry", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, data.NewFixedTimeProvider(Epoch))
		job, err := s.Create(ctx, NewJob("owner-1", "a"))
		require.NoError(t, err)

		ok, err := s.RevertRetry(ctx, job.ID, "render failed")
		require.NoError(t, err)
		assert.False(t, ok, "a fresh job was never retried")

		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.FailAttempt(ctx, core.FailAttemptParams{JobID: job.ID, Attempt: 1, Reason: "render failed", Final: true})
		require.NoError(t, err)
		_, err = s.ResetForRetry(ctx, job.ID)
		require.NoError(t, err)

		ok, err = s.RevertRetry(ctx, job.ID, "render failed")
		require.NoError(t, err)
		require.True(t, ok)
		cur, err := s.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, cur.Status)
		require.NotNil(t, cur.FailureReason)
		assert.Equal(t, "render failed", *cur.FailureReason)
		assert.NotNil(t, cur.CompletedAt)

		_, err = s.ResetForRetry(ctx, job.ID)
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, job.ID)
		require.NoError(t, err)
		ok, err = s.RevertRetry(ctx, job.ID, "render failed")
		require.NoError(t, err)
		assert.False(t, ok, "a started attempt cannot be reverted")
	})

	t.Run("cancellation", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t, data.NewFixedTimeProvider(Epoch))

		queued, err := s.Create(ctx, NewJob("owner-1", "a"))
		require.NoError(t, err)
		ok, err := s.CancelQueued(ctx, queued.ID)
		require.NoError(t, err)
		require.True(t, ok)
		cur, err := s.GetByID(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, cur.Status)
		ok, err = s.CancelQueued(ctx, queued.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		running, err := s.Create(ctx, NewJob("owner-1", "a"))
		require.NoError(t, err)
		_, err = s.StartAttempt(ctx, running.ID)
		require.NoError(t, err)
		ok, err = s.RequestCancel(ctx, running.ID)
		require.NoError(t, err)
		require.True(t, ok)
		flagged, err := s.CancelRequested(ctx, running.ID)
		require.NoError(t, err)
		assert.True(t, flagged)

		appendAll(t, s, running, 1)
		ok, err = s.Complete(ctx, core.CompleteParams{JobID: running.ID, Attempt: 1, ExpiresAt: Epoch.Add(time.Hour)})
		require.NoError(t, err)
		assert.False(t, ok, "cancellation wins over completion")

		ok, err = s.FinalizeCancelled(ctx, running.ID, 1)
		require.NoError(t, err)
		require.True(t, ok)
		cur, err = s.GetByID(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, cur.Status)
		assert.Empty(t, cur.ArtifactRefs)
		assert.Equal(t, 0, cur.Progress)
	})

	t.Run("list and count", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		s := newStore(t, clock)
		var ids []string
		for i, owner := range []string{"owner-1", "owner-2", "owner-1", "owner-1"} {
			job, err := s.Create(ctx, NewJob(owner, "a"))
			require.NoError(t, err)
			ids = append(ids, job.ID)
			if i == 3 {
				_, err = s.CancelQueued(ctx, job.ID)
				require.NoError(t, err)
			}
			clock.AddTime(time.Second)
		}

		owner := "owner-1"
		jobs, err := s.List(ctx, model.JobListOptions{OwnerID: &owner})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{ids[3], ids[2], ids[0]}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

		page, err := s.List(ctx, model.JobListOptions{OwnerID: &owner, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[2], page[0].ID)

		status := model.JobStatusCancelled
		cancelled, err := s.List(ctx, model.JobListOptions{Status: &status})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, counts[model.JobStatusPending])
		assert.Equal(t, 1, counts[model.JobStatusCancelled])
	})

	t.Run("expiry and revocation", func(t *testing.T) {
		ctx := context.Background()
		clock := data.NewFixedTimeProvider(Epoch)
		s := newStore(t, clock)

		var ids []string
		for i := range 3 {
			job, err := s.Create(ctx, NewJob("owner-1", "a"))
			require.NoError(t, err)
			_, err = s.StartAttempt(ctx, job.ID)
			require.NoError(t, err)
			appendAll(t, s, job, 1)
			ok, err := s.Complete(ctx, core.CompleteParams{
				JobID: job.ID, Attempt: 1, ExpiresAt: Epoch.Add(time.Duration(i+1) * time.Hour),
			})
			require.NoError(t, err)
			require.True(t, ok)
			ids = append(ids, job.ID)
		}

		expired, err := s.ListExpired(ctx, Epoch.Add(150*time.Minute), model.ExpiryCursor{}, 10)
		require.NoError(t, err)
		require.Len(t, expired, 2)
		assert.Equal(t, ids[0], expired[0].ID)
		assert.Equal(t, ids[1], expired[1].ID)

		limited, err := s.ListExpired(ctx, Epoch.Add(150*time.Minute), model.ExpiryCursor{}, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		next, err := s.ListExpired(ctx, Epoch.Add(150*time.Minute), model.ExpiryCursorAfter(limited[0]), 1)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, ids[1], next[0].ID, "the cursor pages past jobs already seen")
		rest, err := s.ListExpired(ctx, Epoch.Add(150*time.Minute), model.ExpiryCursorAfter(next[0]), 1)
		require.NoError(t, err)
		assert.Empty(t, rest)

		revokedAt := Epoch.Add(151 * time.Minute)
		ok, err := s.MarkArtifactsRevoked(ctx, ids[0], revokedAt)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.MarkArtifactsRevoked(ctx, ids[0], revokedAt)
		require.NoError(t, err)
		assert.False(t, ok)

		cur, err := s.GetByID(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, cur.Status)
		require.NotNil(t, cur.ArtifactsRevokedAt)
		assert.True(t, cur.ArtifactsExpired(Epoch))

		expired, err = s.ListExpired(ctx, Epoch.Add(150*time.Minute), model.ExpiryCursor{}, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, ids[1], expired[0].ID)
	})
}
