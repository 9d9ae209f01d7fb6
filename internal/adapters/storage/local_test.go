package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/exportd/internal/errors"
)

func newLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	return l
}

func readAll(t *testing.T, l *Local, ref string) string {
	t.Helper()
	rc, err := l.Open(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(body)
}

func TestLocal_PutOverwritesAndOpens(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	ref, err := l.Put(ctx, "exports/u1/j1/export_j1_0.png", strings.NewReader("first"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "local://exports/u1/j1/export_j1_0.png", ref)

	ref2, err := l.Put(ctx, "exports/u1/j1/export_j1_0.png", strings.NewReader("second"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)
	assert.Equal(t, "second", readAll(t, l, ref))

	entries, err := os.ReadDir(filepath.Join(l.Root(), "exports", "u1", "j1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestLocal_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	ref, err := l.Put(ctx, "a/b.txt", strings.NewReader("x"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, ref))
	require.NoError(t, l.Delete(ctx, ref))

	_, err = l.Open(ctx, ref)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLocal_RejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	l := newLocal(t)

	tests := []string{"../outside", "a/../../outside", ""}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			_, err := l.Put(ctx, key, strings.NewReader("x"), "")
			assert.True(t, apperrors.IsValidation(err))
		})
	}

	_, err := l.Open(ctx, "redis://a")
	assert.True(t, apperrors.IsValidation(err))
}

func TestLocal_PutStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newLocal(t)

	_, err := l.Put(ctx, "a.txt", strings.NewReader("x"), "")
	require.ErrorIs(t, err, context.Canceled)

	_, err = l.Open(context.Background(), LocalScheme+"a.txt")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestNewLocal_RequiresRoot(t *testing.T) {
	_, err := NewLocal("")
	require.Error(t, err)
}
