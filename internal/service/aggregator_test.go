package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/exportd/internal/adapters/storage"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/mocks"
)

func readArchive(t *testing.T, st core.Storage, ref string) *zip.Reader {
	t.Helper()
	rc, err := st.Open(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return zr
}

func TestAggregator_Aggregate(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	clock := data.NewFixedTimeProvider(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	agg, err := NewAggregator(AggregatorOptions{Storage: local, TimeProvider: clock})
	require.NoError(t, err)

	contents := []string{"first", "second", "third"}
	refs := make([]string, len(contents))
	for i, c := range contents {
		key := "exports/owner-1/job-1/export_job-1_" + string(rune('0'+i)) + ".png"
		refs[i], err = local.Put(ctx, key, strings.NewReader(c), "image/png")
		require.NoError(t, err)
	}

	ref, err := agg.Aggregate(ctx, "job-1", "owner-1", refs)
	require.NoError(t, err)
	assert.Equal(t, "local://"+core.ArchiveKey("owner-1", "job-1"), ref)

	zr := readArchive(t, local, ref)
	require.Len(t, zr.File, len(contents))
	for i, f := range zr.File {
		assert.Equal(t, EntryName(i, refs[i]), f.Name)
		assert.Equal(t, zip.Store, f.Method)
		assert.True(t, f.Modified.Equal(clock.Now()), "entry %d modified %v", i, f.Modified)

		rc, oerr := f.Open()
		require.NoError(t, oerr)
		body, rerr := io.ReadAll(rc)
		require.NoError(t, rerr)
		require.NoError(t, rc.Close())
		assert.Equal(t, contents[i], string(body))
	}
}

func TestAggregator_NoArtifacts(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	agg, err := NewAggregator(AggregatorOptions{Storage: local})
	require.NoError(t, err)

	_, err = agg.Aggregate(context.Background(), "job-1", "owner-1", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestAggregator_MissingArtifact(t *testing.T) {
	ctx := context.Background()
	local, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	agg, err := NewAggregator(AggregatorOptions{Storage: local})
	require.NoError(t, err)

	ref, err := local.Put(ctx, "exports/o/j/a.png", strings.NewReader("a"), "image/png")
	require.NoError(t, err)

	_, err = agg.Aggregate(ctx, "j", "o", []string{ref, "local://exports/o/j/missing.png"})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err), "got %v", err)
	assert.Contains(t, err.Error(), "missing.png")
}

func TestAggregator_PutFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	agg, err := NewAggregator(AggregatorOptions{Storage: st})
	require.NoError(t, err)

	st.EXPECT().Open(gomock.Any(), "mem://a").Return(io.NopCloser(strings.NewReader(strings.Repeat("x", 1<<20))), nil).MaxTimes(1)
	st.EXPECT().
		Put(gomock.Any(), core.ArchiveKey("o", "j"), gomock.Any(), ArchiveContentType).
		DoAndReturn(func(_ context.Context, _ string, r io.Reader, _ string) (string, error) {
			// Read a little, then give up.
			_, _ = io.ReadFull(r, make([]byte, 16))
			return "", errors.New("bucket unavailable")
		})

	_, err = agg.Aggregate(context.Background(), "j", "o", []string{"mem://a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
}

func TestNewAggregator_RequiresStorage(t *testing.T) {
	_, err := NewAggregator(AggregatorOptions{})
	assert.Error(t, err)
}

func TestEntryName(t *testing.T) {
	tests := []struct {
		index int
		ref   string
		want  string
	}{
		{0, "local://exports/o/j/export_j_0.png", "item_1.png"},
		{9, "redis://exportd:blob:exports/o/j/export_j_9.jpg", "item_10.jpg"},
		{2, "mem://noext", "item_3.bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EntryName(tt.index, tt.ref))
	}
}
