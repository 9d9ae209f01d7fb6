package devseed

import (
	"bytes"
	"context"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/adapters/render"
	"github.com/target/exportd/internal/adapters/storage"
	"github.com/target/exportd/internal/data/memstore"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/service"
)

func newSeedServices(t *testing.T) (Services, *memstore.Store) {
	t.Helper()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	jobs := memstore.NewStore(nil)
	svc, err := service.NewExportService(service.ExportServiceOptions{
		Jobs:    jobs,
		Queue:   memstore.NewQueue(nil),
		Storage: local,
		Presets: render.BuiltinPresets(),
	})
	require.NoError(t, err)
	return Services{Storage: local, Export: svc}, jobs
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	svcs, jobs := newSeedServices(t)

	res, err := Run(ctx, svcs, nil)
	require.NoError(t, err)
	require.Len(t, res.SourceRefs, sourceCount)
	require.Len(t, res.Jobs, 4)

	kinds := map[model.JobKind]int{}
	for _, j := range res.Jobs {
		kinds[j.Kind]++
		assert.Equal(t, DefaultOwner, j.OwnerID)
		assert.Equal(t, model.JobStatusPending, j.Status)
	}
	assert.Equal(t, map[model.JobKind]int{model.JobKindSingle: 1, model.JobKindBatch: 2, model.JobKindAggregate: 1}, kinds)

	for _, ref := range res.SourceRefs {
		rc, oerr := svcs.Storage.Open(ctx, ref)
		require.NoError(t, oerr)
		body, rerr := io.ReadAll(rc)
		require.NoError(t, rerr)
		require.NoError(t, rc.Close())
		cfg, derr := png.DecodeConfig(bytes.NewReader(body))
		require.NoError(t, derr)
		assert.Equal(t, 320, cfg.Width)
	}

	counts, err := jobs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, counts[model.JobStatusPending])
}

func TestRun_SourcesAreStable(t *testing.T) {
	ctx := context.Background()
	svcs, _ := newSeedServices(t)

	first, err := Run(ctx, svcs, nil)
	require.NoError(t, err)
	second, err := Run(ctx, svcs, nil)
	require.NoError(t, err)
	assert.Equal(t, first.SourceRefs, second.SourceRefs)
}

func TestRun_RequiresServices(t *testing.T) {
	_, err := Run(context.Background(), Services{}, nil)
	assert.Error(t, err)
}

func TestSamplePNGDiffers(t *testing.T) {
	a, err := samplePNG(0)
	require.NoError(t, err)
	b, err := samplePNG(1)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
