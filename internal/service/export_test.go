package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/exportd/internal/adapters/storage"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/memstore"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/mocks"
	"github.com/target/exportd/internal/testutil"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (r *recordedEvents) Publish(_ context.Context, evt model.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordedEvents) statuses() []model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.JobStatus, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

type exportFixture struct {
	svc     *ExportService
	jobs    *memstore.Store
	queue   *memstore.Queue
	storage *storage.Local
	clock   *data.FixedTimeProvider
	events  *recordedEvents
}

func newExportFixture(t *testing.T) *exportFixture {
	t.Helper()
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	f := &exportFixture{
		jobs:    memstore.NewStore(clock),
		queue:   memstore.NewQueue(clock),
		storage: local,
		clock:   clock,
		events:  &recordedEvents{},
	}
	f.svc, err = NewExportService(ExportServiceOptions{
		Jobs:         f.jobs,
		Queue:        f.queue,
		Storage:      f.storage,
		Progress:     f.events,
		TimeProvider: clock,
		Presets: model.PresetCatalog{
			"story": {Format: model.ImageFormatJPEG, Quality: 80, Width: 1080, Height: 1920, Scale: 1},
		},
		MaxItems: 10,
	})
	require.NoError(t, err)
	return f
}

// complete drives a job through one successful attempt with real artifacts.
func (f *exportFixture) complete(t *testing.T, job *model.ExportJob, retention time.Duration) *model.ExportJob {
	t.Helper()
	ctx := context.Background()

	started, err := f.jobs.StartAttempt(ctx, job.ID)
	require.NoError(t, err)
	for i := range started.ItemRefs {
		ref, perr := f.storage.Put(ctx, core.ArtifactKey(started, i), strings.NewReader("img"), "image/png")
		require.NoError(t, perr)
		ok, aerr := f.jobs.AppendArtifact(ctx, core.AppendArtifactParams{
			JobID: job.ID, Attempt: started.AttemptCount, Index: i, Ref: ref,
		})
		require.NoError(t, aerr)
		require.True(t, ok)
	}
	ok, err := f.jobs.Complete(ctx, core.CompleteParams{
		JobID:     job.ID,
		Attempt:   started.AttemptCount,
		ExpiresAt: f.clock.Now().Add(retention),
	})
	require.NoError(t, err)
	require.True(t, ok)

	done, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func (f *exportFixture) fail(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	started, err := f.jobs.StartAttempt(ctx, jobID)
	require.NoError(t, err)
	ok, err := f.jobs.FailAttempt(ctx, core.FailAttemptParams{
		JobID: jobID, Attempt: started.AttemptCount, Reason: "render: boom", Final: true,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewExportService_RequiresCollaborators(t *testing.T) {
	_, err := NewExportService(ExportServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobStore is required")
	assert.Contains(t, err.Error(), "Queue is required")
	assert.Contains(t, err.Error(), "Storage is required")

	assert.Panics(t, func() { MustNewExportService(ExportServiceOptions{}) })
}

func TestNewExportService_RejectsInvalidDefaults(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = NewExportService(ExportServiceOptions{
		Jobs:     memstore.NewStore(nil),
		Queue:    memstore.NewQueue(nil),
		Storage:  local,
		Defaults: &model.RenderSettings{Format: "gif"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default render settings")
}

func TestExportService_Submit(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().WithItemCount(3).Build())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, model.PriorityNormal, job.Priority)
	assert.Equal(t, model.DefaultRenderSettings(), job.RenderSettings)
	assert.Nil(t, job.Preset)
	assert.Empty(t, job.ArtifactRefs)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, model.JobStatusPending, f.events.events[0].Status)
	assert.Equal(t, job.ID, f.events.events[0].JobID)
}

func TestExportService_SubmitResolvesSettings(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	t.Run("preset fills unset fields", func(t *testing.T) {
		req := testutil.NewSubmitRequest().
			WithPreset("Story").
			WithSettings(model.RenderSettings{Quality: 55}).
			Build()
		job, err := f.svc.Submit(ctx, req)
		require.NoError(t, err)

		assert.Equal(t, model.ImageFormatJPEG, job.RenderSettings.Format)
		assert.Equal(t, 55, job.RenderSettings.Quality)
		assert.Equal(t, 1080, job.RenderSettings.Width)
		require.NotNil(t, job.Preset)
		assert.Equal(t, "Story", *job.Preset)
	})

	t.Run("unknown preset", func(t *testing.T) {
		_, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().WithPreset("poster").Build())
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "preset", apperrors.GetField(err))
	})

	t.Run("out of range settings", func(t *testing.T) {
		req := testutil.NewSubmitRequest().WithSettings(model.RenderSettings{Scale: 9}).Build()
		_, err := f.svc.Submit(ctx, req)
		require.Error(t, err)
		assert.True(t, apperrors.IsValidation(err))
		assert.Equal(t, "render_settings", apperrors.GetField(err))
	})
}

func TestExportService_SubmitValidation(t *testing.T) {
	f := newExportFixture(t)

	tests := []struct {
		name string
		req  model.SubmitRequest
	}{
		{name: "no owner", req: testutil.NewSubmitRequest().WithOwner(" ").Build()},
		{name: "no items", req: testutil.NewSubmitRequest().WithItems().Build()},
		{name: "too many items", req: testutil.NewSubmitRequest().WithItemCount(11).Build()},
		{name: "single with two items", req: testutil.NewSubmitRequest().WithKind(model.JobKindSingle).Build()},
		{name: "unknown priority", req: testutil.NewSubmitRequest().WithPriority("urgent").Build()},
		{name: "malformed id", req: testutil.NewSubmitRequest().WithID("not-a-uuid").Build()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "got %v", err)
		})
	}

	list, err := f.jobs.List(context.Background(), model.JobListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list, "rejected requests must not create records")
}

func TestExportService_SubmitDuplicateID(t *testing.T) {
	f := newExportFixture(t)
	req := testutil.NewSubmitRequest().WithID("").Build()

	_, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestExportService_SubmitEnqueueFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockQueue(ctrl)
	jobs := memstore.NewStore(nil)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	svc := MustNewExportService(ExportServiceOptions{Jobs: jobs, Queue: queue, Storage: local})
	req := testutil.NewSubmitRequest().WithID("").Build()

	queue.EXPECT().
		Enqueue(gomock.Any(), req.ID, model.PriorityNormal, time.Duration(0)).
		Return(errors.New("redis down"))

	_, err = svc.Submit(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	job, err := jobs.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status, "a job that never reached the queue is not left pending")
}

func TestExportService_CancelUnqueuedPending(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	// A pending record whose enqueue never landed and whose rollback failed.
	job, err := f.jobs.Create(ctx, &model.ExportJob{
		OwnerID:        "owner-1",
		ItemRefs:       []string{"items/1.png"},
		Kind:           model.JobKindSingle,
		RenderSettings: model.DefaultRenderSettings(),
	})
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CancelOutcomeCancelled, res.Outcome)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)
}

func TestExportService_CancelQueueErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockQueue(ctrl)
	jobs := mocks.NewMockJobStore(ctrl)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	svc := MustNewExportService(ExportServiceOptions{Jobs: jobs, Queue: queue, Storage: local})
	ctx := context.Background()
	pending := &model.ExportJob{ID: "j1", Status: model.JobStatusPending}

	jobs.EXPECT().GetByID(gomock.Any(), "j1").Return(pending, nil)
	queue.EXPECT().Remove(gomock.Any(), "j1").Return(false, errors.New("redis down"))
	_, err = svc.Cancel(ctx, "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")

	jobs.EXPECT().GetByID(gomock.Any(), "j1").Return(pending, nil)
	queue.EXPECT().Remove(gomock.Any(), "j1").Return(false, model.ErrNotQueued)
	jobs.EXPECT().CancelQueued(gomock.Any(), "j1").Return(true, nil)
	res, err := svc.Cancel(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.CancelOutcomeCancelled, res.Outcome)
}

func TestExportService_GetStatus(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
	require.NoError(t, err)

	view, err := f.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.ID)
	assert.Equal(t, model.JobStatusPending, view.Status)
	assert.Zero(t, view.Progress)

	_, err = f.svc.GetStatus(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExportService_CancelPending(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CancelOutcomeCancelled, res.Outcome)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	_, err = f.queue.Dequeue(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, model.ErrQueueEmpty)
	assert.Equal(t, []model.JobStatus{model.JobStatusPending, model.JobStatusCancelled}, f.events.statuses())

	_, err = f.svc.Cancel(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestExportService_CancelProcessing(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
	require.NoError(t, err)
	_, err = f.queue.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	_, err = f.jobs.StartAttempt(ctx, job.ID)
	require.NoError(t, err)

	res, err := f.svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CancelOutcomeRequested, res.Outcome)

	view, err := f.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, view.Status)
	assert.True(t, view.CancelRequested)
}

func TestExportService_CancelTerminal(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
	require.NoError(t, err)
	f.complete(t, job, time.Hour)

	_, err = f.svc.Cancel(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))

	_, err = f.svc.Cancel(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestExportService_Retry(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().WithPriority(model.PriorityHigh).Build())
	require.NoError(t, err)
	first, err := f.queue.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)

	err = f.svc.Retry(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "only failed jobs can be retried")

	f.fail(t, job.ID)
	require.NoError(t, f.queue.Release(ctx, first.Token, model.Ack()))
	require.NoError(t, f.svc.Retry(ctx, job.ID))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Nil(t, got.FailureReason)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Zero(t, got.ChainAttempts())

	lease, err := f.queue.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.ID, lease.JobID)
	assert.Equal(t, model.PriorityHigh, lease.Priority)
}

func TestExportService_RetryEnqueueFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockQueue(ctrl)
	jobs := memstore.NewStore(nil)
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	svc := MustNewExportService(ExportServiceOptions{Jobs: jobs, Queue: queue, Storage: local})
	ctx := context.Background()

	job, err := jobs.Create(ctx, &model.ExportJob{OwnerID: "o", ItemRefs: []string{"a"}, Kind: model.JobKindSingle})
	require.NoError(t, err)
	started, err := jobs.StartAttempt(ctx, job.ID)
	require.NoError(t, err)
	_, err = jobs.FailAttempt(ctx, core.FailAttemptParams{JobID: job.ID, Attempt: started.AttemptCount, Reason: "x", Final: true})
	require.NoError(t, err)

	gomock.InOrder(
		queue.EXPECT().Enqueue(gomock.Any(), job.ID, model.PriorityNormal, time.Duration(0)).Return(errors.New("down")),
		queue.EXPECT().Enqueue(gomock.Any(), job.ID, model.PriorityNormal, time.Duration(0)).Return(nil),
	)

	err = svc.Retry(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	reverted, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, reverted.Status, "a retry that never reached the queue is rolled back")
	require.NotNil(t, reverted.FailureReason)
	assert.Equal(t, "x", *reverted.FailureReason)

	require.NoError(t, svc.Retry(ctx, job.ID), "the job can be retried again")
	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
}

func TestExportService_Artifacts(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
	require.NoError(t, err)

	_, err = f.svc.GetArtifacts(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err), "pending jobs have no artifacts")

	done := f.complete(t, job, time.Hour)

	set, err := f.svc.GetArtifacts(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.ArtifactRefs, set.ArtifactRefs)
	assert.Equal(t, f.clock.Now().Add(time.Hour), set.ExpiresAt)

	rc, err := f.svc.OpenArtifact(ctx, job.ID, set.ArtifactRefs[1])
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "img", string(body))

	_, err = f.svc.OpenArtifact(ctx, job.ID, "local://exports/other/secret.png")
	assert.True(t, apperrors.IsNotFound(err))

	f.clock.AddTime(time.Hour + time.Second)
	_, err = f.svc.GetArtifacts(ctx, job.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsExpired(err))
	_, err = f.svc.OpenArtifact(ctx, job.ID, set.ArtifactRefs[0])
	assert.True(t, apperrors.IsExpired(err))
}

func TestExportService_ArtifactsAtExpiryInstant(t *testing.T) {
	f := newExportFixture(t)
	job, err := f.svc.Submit(context.Background(), testutil.NewSubmitRequest().Build())
	require.NoError(t, err)
	f.complete(t, job, time.Minute)

	f.clock.AddTime(time.Minute)
	_, err = f.svc.GetArtifacts(context.Background(), job.ID)
	assert.NoError(t, err, "artifacts stay available up to and including expires_at")
}

func TestExportService_List(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	for _, owner := range []string{"a", "a", "b"} {
		_, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().WithOwner(owner).Build())
		require.NoError(t, err)
		f.clock.AddTime(time.Second)
	}

	owner := "a"
	jobs, err := f.svc.List(ctx, model.JobListOptions{OwnerID: &owner, Offset: -5})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt), "newest first")

	jobs, err = f.svc.List(ctx, model.JobListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	bogus := model.JobStatus("archived")
	_, err = f.svc.List(ctx, model.JobListOptions{Status: &bogus})
	assert.True(t, apperrors.IsValidation(err))
}

func TestExportService_StatsAndPause(t *testing.T) {
	f := newExportFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.svc.Submit(ctx, testutil.NewSubmitRequest().Build())
		require.NoError(t, err)
	}
	_, err := f.queue.Dequeue(ctx, "w", time.Minute)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Queue.Waiting)
	assert.Equal(t, 1, stats.Queue.Active)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 3, stats.Total())

	require.NoError(t, f.svc.PauseQueue(ctx))
	_, err = f.queue.Dequeue(ctx, "w", time.Minute)
	assert.ErrorIs(t, err, model.ErrQueueEmpty)
	stats, err = f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Queue.Paused)

	require.NoError(t, f.svc.ResumeQueue(ctx))
	_, err = f.queue.Dequeue(ctx, "w", time.Minute)
	assert.NoError(t, err)
}
