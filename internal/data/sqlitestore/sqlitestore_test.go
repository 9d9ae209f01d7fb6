package sqlitestore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/storetest"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "exportd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStore(t *testing.T) {
	storetest.RunJobStoreTests(t, func(t *testing.T, clock *data.FixedTimeProvider) core.JobStore {
		return NewStore(openTestDB(t), Config{TimeProvider: clock})
	})
}

func TestQueue(t *testing.T) {
	storetest.RunQueueTests(t, func(t *testing.T, clock *data.FixedTimeProvider) core.Queue {
		return NewQueue(openTestDB(t), Config{TimeProvider: clock})
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exportd.db")
	for range 2 {
		db, err := Open(context.Background(), path)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestStore_CompleteRequiresAllArtifacts(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t), Config{})

	job, err := s.Create(ctx, storetest.NewJob("owner-1", "a", "b"))
	require.NoError(t, err)
	_, err = s.StartAttempt(ctx, job.ID)
	require.NoError(t, err)

	_, err = s.Complete(ctx, core.CompleteParams{JobID: job.ID, Attempt: 1})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	cur, err := s.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, cur.Status)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "exportd.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	job, err := NewStore(db, Config{}).Create(ctx, storetest.NewJob("owner-1", "a"))
	require.NoError(t, err)
	require.NoError(t, NewQueue(db, Config{}).Enqueue(ctx, job.ID, model.PriorityLow, 0))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	got, err := NewStore(db, Config{}).GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.RenderSettings, got.RenderSettings)
	assert.Equal(t, []string{"a"}, got.ItemRefs)

	lease, err := NewQueue(db, Config{}).Dequeue(ctx, "w1", 0)
	require.NoError(t, err)
	assert.Equal(t, job.ID, lease.JobID)
	assert.Equal(t, model.PriorityLow, lease.Priority)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.True(t, apperrors.IsNotFound(mapError(sql.ErrNoRows)))
	assert.True(t, apperrors.IsTimeout(mapError(context.DeadlineExceeded)))
}
