package render

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/domain/model"
)

func TestParsePresets(t *testing.T) {
	catalog, err := ParsePresets(strings.NewReader(`
presets:
  story:
    format: jpeg
    quality: 75
    width: 1080
    height: 1920
  Square:
    width: 1000
    height: 1000
    scale: 1
`))
	require.NoError(t, err)

	story, ok := catalog.Lookup("STORY")
	require.True(t, ok)
	assert.Equal(t, model.RenderSettings{Format: model.ImageFormatJPEG, Quality: 75, Width: 1080, Height: 1920, Scale: 2}, story)

	square, ok := catalog.Lookup("square")
	require.True(t, ok)
	assert.Equal(t, model.ImageFormatPNG, square.Format)
	assert.InDelta(t, 1.0, square.Scale, 0)
}

func TestParsePresets_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":         ``,
		"unknown field": "presets:\n  a: {width: 10, height: 10, dpi: 3}\n",
		"invalid":       "presets:\n  a: {width: 10, height: 10, quality: 101}\n",
		"no presets":    "presets: {}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePresets(strings.NewReader(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadPresets(t *testing.T) {
	builtin, err := LoadPresets("")
	require.NoError(t, err)
	for name, s := range builtin {
		require.NoError(t, s.Validate(), name)
	}

	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets:\n  a: {width: 10, height: 20}\n"), 0o600))
	catalog, err := LoadPresets(path)
	require.NoError(t, err)
	assert.Len(t, catalog, 1)

	_, err = LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
