package migrate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_SortedAndEmbedded(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	assert.Equal(t, "0001_export_jobs.sql", files[0])
	for i := 1; i < len(files); i++ {
		assert.Less(t, files[i-1], files[i])
	}

	for _, f := range files {
		body, readErr := migrationsFS.ReadFile("migrations/" + f)
		require.NoError(t, readErr)
		assert.NotEmpty(t, strings.TrimSpace(string(body)), f)
	}
}

func TestVersion(t *testing.T) {
	assert.Equal(t, "0002_export_queue", version("0002_export_queue.sql"))
}
