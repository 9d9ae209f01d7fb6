package data_test

import (
	"database/sql"
	"testing"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/storetest"
	"github.com/target/exportd/internal/testutil"
)

func TestExportJobRepo_Integration_Contract(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		storetest.RunJobStoreTests(t, func(t *testing.T, clock *data.FixedTimeProvider) core.JobStore {
			testutil.CleanupTestDB(t, db)
			return data.NewExportJobRepo(db, data.ExportJobRepoConfig{TimeProvider: clock})
		})
	})
}
