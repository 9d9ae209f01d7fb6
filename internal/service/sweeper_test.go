package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/adapters/storage"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/memstore"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/mocks"
	"github.com/target/exportd/internal/observability/statsd"
)

type sweepFixture struct {
	jobs    *memstore.Store
	storage *storage.Local
	clock   *data.FixedTimeProvider
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return &sweepFixture{jobs: memstore.NewStore(clock), storage: local, clock: clock}
}

// completedJob creates a completed batch job with an archive that expires after retention.
func (f *sweepFixture) completedJob(t *testing.T, retention time.Duration) *model.ExportJob {
	t.Helper()
	ctx := context.Background()

	job, err := f.jobs.Create(ctx, &model.ExportJob{
		OwnerID:        "owner-1",
		ItemRefs:       []string{"a", "b"},
		Kind:           model.JobKindBatch,
		RenderSettings: model.DefaultRenderSettings(),
	})
	require.NoError(t, err)
	started, err := f.jobs.StartAttempt(ctx, job.ID)
	require.NoError(t, err)
	for i := range started.ItemRefs {
		ref, perr := f.storage.Put(ctx, core.ArtifactKey(started, i), strings.NewReader("img"), "image/png")
		require.NoError(t, perr)
		_, err = f.jobs.AppendArtifact(ctx, core.AppendArtifactParams{JobID: job.ID, Attempt: 1, Index: i, Ref: ref})
		require.NoError(t, err)
	}
	archive, err := f.storage.Put(ctx, core.ArchiveKey(job.OwnerID, job.ID), strings.NewReader("zip"), ArchiveContentType)
	require.NoError(t, err)
	ok, err := f.jobs.Complete(ctx, core.CompleteParams{
		JobID:        job.ID,
		Attempt:      1,
		AggregateRef: &archive,
		ExpiresAt:    f.clock.Now().Add(retention),
	})
	require.NoError(t, err)
	require.True(t, ok)

	done, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	return done
}

func (f *sweepFixture) exists(ref string) bool {
	rc, err := f.storage.Open(context.Background(), ref)
	if err != nil {
		return false
	}
	_ = rc.Close()
	return true
}

func TestNewSweeperService_RequiresCollaborators(t *testing.T) {
	_, err := NewSweeperService(SweeperServiceOptions{Storage: &storage.Local{}})
	assert.Error(t, err)
	_, err = NewSweeperService(SweeperServiceOptions{Jobs: memstore.NewStore(nil)})
	assert.Error(t, err)
}

func TestSweeperService_Sweep(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	rec := &statsd.Recorder{}

	expired := f.completedJob(t, time.Hour)
	fresh := f.completedJob(t, 48*time.Hour)

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:         f.jobs,
		Storage:      f.storage,
		Config:       config.SweeperConfig{BatchSize: 10, Concurrency: 2},
		Metrics:      rec,
		TimeProvider: f.clock,
	})
	require.NoError(t, err)

	res, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "nothing has expired yet")

	f.clock.AddTime(2 * time.Hour)
	res, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Revoked: 1}, res)

	got, err := f.jobs.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status, "sweeping never changes status")
	require.NotNil(t, got.ArtifactsRevokedAt)
	assert.True(t, got.ArtifactsRevokedAt.Equal(f.clock.Now()))
	for _, ref := range expired.ArtifactRefs {
		assert.False(t, f.exists(ref), "artifact %s should be deleted", ref)
	}
	assert.False(t, f.exists(*expired.AggregateRef))

	for _, ref := range fresh.ArtifactRefs {
		assert.True(t, f.exists(ref), "unexpired artifact %s must survive", ref)
	}

	res, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res, "revoked jobs are not swept twice")

	revoked := rec.Find("sweeper.revoked", nil)
	require.Len(t, revoked, 3)
	assert.InDelta(t, 1.0, revoked[1].Value, 0)
}

func TestSweeperService_SweepDrainsBatches(t *testing.T) {
	f := newSweepFixture(t)
	for range 5 {
		f.completedJob(t, time.Minute)
	}
	f.clock.AddTime(time.Hour)

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:         f.jobs,
		Storage:      f.storage,
		Config:       config.SweeperConfig{BatchSize: 2, Concurrency: 3},
		TimeProvider: f.clock,
	})
	require.NoError(t, err)

	res, err := svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Revoked)

	left, err := f.jobs.ListExpired(context.Background(), f.clock.Now(), model.ExpiryCursor{}, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweeperService_DeleteFailureKeepsRecord(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	job := f.completedJob(t, time.Minute)
	f.clock.AddTime(time.Hour)

	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	st.EXPECT().Delete(gomock.Any(), job.ArtifactRefs[0]).Return(nil)
	st.EXPECT().Delete(gomock.Any(), job.ArtifactRefs[1]).Return(errors.New("disk on fire"))
	st.EXPECT().Delete(gomock.Any(), *job.AggregateRef).Return(nil)

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:         f.jobs,
		Storage:      st,
		Config:       config.SweeperConfig{BatchSize: 10},
		TimeProvider: f.clock,
	})
	require.NoError(t, err)

	res, err := svc.Sweep(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, SweepResult{Failed: 1}, res)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ArtifactsRevokedAt, "a partial delete leaves the job eligible for the next sweep")
}

// refusingStorage fails Delete for the refs in refuse.
type refusingStorage struct {
	core.Storage
	refuse map[string]bool
}

func (s *refusingStorage) Delete(ctx context.Context, ref string) error {
	if s.refuse[ref] {
		return errors.New("permission denied")
	}
	return s.Storage.Delete(ctx, ref)
}

func TestSweeperService_FailedJobsDoNotBlockLaterBatches(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	jobs := make([]*model.ExportJob, 0, 5)
	for range 5 {
		jobs = append(jobs, f.completedJob(t, time.Minute))
	}
	f.clock.AddTime(time.Hour)

	// Equal expiries page in id order; the whole first batch keeps failing.
	slices.SortFunc(jobs, func(a, b *model.ExportJob) int { return strings.Compare(a.ID, b.ID) })
	st := &refusingStorage{Storage: f.storage, refuse: map[string]bool{}}
	for _, job := range jobs[:2] {
		st.refuse[job.ArtifactRefs[0]] = true
	}

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:         f.jobs,
		Storage:      st,
		Config:       config.SweeperConfig{BatchSize: 2, Concurrency: 2},
		TimeProvider: f.clock,
	})
	require.NoError(t, err)

	for range 2 {
		res, err := svc.Sweep(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, 2, res.Failed)
	}

	left, err := f.jobs.ListExpired(ctx, f.clock.Now(), model.ExpiryCursor{}, 10)
	require.NoError(t, err)
	require.Len(t, left, 2, "only the jobs whose deletes fail stay eligible")
	assert.ElementsMatch(t, []string{jobs[0].ID, jobs[1].ID}, []string{left[0].ID, left[1].ID})
}

func TestSweeperService_ListFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	jobs := mocks.NewMockJobStore(ctrl)
	jobs.EXPECT().ListExpired(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:    jobs,
		Storage: mocks.NewMockStorage(ctrl),
	})
	require.NoError(t, err)

	_, err = svc.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestSweeperService_RunStopsOnCancel(t *testing.T) {
	f := newSweepFixture(t)
	f.completedJob(t, time.Minute)
	f.clock.AddTime(time.Hour)

	svc, err := NewSweeperService(SweeperServiceOptions{
		Jobs:         f.jobs,
		Storage:      f.storage,
		Config:       config.SweeperConfig{Interval: time.Minute, BatchSize: 10},
		TimeProvider: f.clock,
	})
	require.NoError(t, err)
	// Below the configured floor so the test does not wait a minute.
	svc.config.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		left, _ := f.jobs.ListExpired(context.Background(), f.clock.Now(), model.ExpiryCursor{}, 10)
		return len(left) == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
