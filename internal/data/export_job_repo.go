package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/exportd/internal/data/database"
	"github.com/target/exportd/internal/data/pgxutil"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// ExportJobRepoConfig holds configuration options for the export job repository.
type ExportJobRepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// ExportJobRepo is the Postgres implementation of core.JobStore.
type ExportJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewExportJobRepo creates a new ExportJobRepo.
func NewExportJobRepo(db *sql.DB, cfg ExportJobRepoConfig) *ExportJobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExportJobRepo{
		DB:           db,
		timeProvider: resolveTimeProvider(cfg.TimeProvider),
		logger:       logger.With("component", "export_job_repo"),
	}
}

// ExportJobColumnList is the column order every SQL backend scans jobs in.
var ExportJobColumnList = []string{
	"id",
	"owner_id",
	"item_refs",
	"kind",
	"render_settings",
	"preset",
	"priority",
	"status",
	"progress",
	"attempt_count",
	"retry_base_attempts",
	"artifact_refs",
	"aggregate_ref",
	"failure_reason",
	"cancel_requested",
	"processing_time_ms",
	"started_at",
	"completed_at",
	"expires_at",
	"artifacts_revoked_at",
	"created_at",
	"updated_at",
}

const exportJobColumns = `
  id, owner_id, item_refs, kind, render_settings, preset, priority, status,
  progress, attempt_count, retry_base_attempts, artifact_refs, aggregate_ref,
  failure_reason, cancel_requested, processing_time_ms, started_at, completed_at,
  expires_at, artifacts_revoked_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExportJob(scanner rowScanner) (*model.ExportJob, error) {
	var (
		job      model.ExportJob
		settings []byte
	)
	if err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.ItemRefs,
		&job.Kind,
		&settings,
		&job.Preset,
		&job.Priority,
		&job.Status,
		&job.Progress,
		&job.AttemptCount,
		&job.RetryBaseAttempts,
		&job.ArtifactRefs,
		&job.AggregateRef,
		&job.FailureReason,
		&job.CancelRequested,
		&job.ProcessingTimeMs,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ExpiresAt,
		&job.ArtifactsRevokedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &job.RenderSettings); err != nil {
		return nil, fmt.Errorf("decode render settings: %w", err)
	}
	if job.ArtifactRefs == nil {
		job.ArtifactRefs = []string{}
	}
	return &job, nil
}

func collectExportJobs(rows pgx.Rows) ([]*model.ExportJob, error) {
	defer rows.Close()
	var jobs []*model.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// queryOne runs a single-row query on a native pgx connection.
func (r *ExportJobRepo) queryOne(ctx context.Context, query string, args ...any) (*model.ExportJob, error) {
	var job *model.ExportJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var scanErr error
		job, scanErr = scanExportJob(conn.QueryRow(ctx, query, args...))
		return scanErr
	})
	return job, err
}

// exec runs a conditional update and reports whether it matched a row.
func (r *ExportJobRepo) exec(ctx context.Context, query string, args ...any) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		tag, execErr := conn.Exec(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return false, apperrors.MapDBError(err)
	}
	return affected > 0, nil
}

// Create inserts a new pending export job.
func (r *ExportJobRepo) Create(ctx context.Context, job *model.ExportJob) (*model.ExportJob, error) {
	if job == nil {
		return nil, errors.New("export job is required")
	}
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	settings, err := json.Marshal(job.RenderSettings)
	if err != nil {
		return nil, fmt.Errorf("encode render settings: %w", err)
	}
	priority := job.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	now := r.timeProvider.Now()

	created, err := r.queryOne(ctx, `
		INSERT INTO export_jobs (id, owner_id, item_refs, kind, render_settings, preset, priority,
			status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $8)
		RETURNING `+exportJobColumns,
		id, job.OwnerID, job.ItemRefs, job.Kind, settings, job.Preset, priority, now,
	)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return created, nil
}

// GetByID retrieves an export job by its ID.
func (r *ExportJobRepo) GetByID(ctx context.Context, id string) (*model.ExportJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperrors.NotFound("export job not found")
	}
	job, err := r.queryOne(ctx, `SELECT `+exportJobColumns+` FROM export_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by owner and status.
func (r *ExportJobRepo) List(ctx context.Context, opts model.JobListOptions) ([]*model.ExportJob, error) {
	query, args := database.BuildListQuery(ExportJobListQuery(opts, database.Dollar))

	var jobs []*model.ExportJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, args...)
		if queryErr != nil {
			return queryErr
		}
		var collectErr error
		jobs, collectErr = collectExportJobs(rows)
		return collectErr
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// ExportJobListQuery builds the job list query shared by the SQL backends.
// Columns follow ExportJobColumnList.
func ExportJobListQuery(opts model.JobListOptions, style database.PlaceholderStyle) *database.ListQueryOptions {
	limit := opts.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	queryOpts := []database.ListQueryOption{
		database.WithColumns(ExportJobColumnList...),
		database.WithOrderBy("DESC", "created_at", "id"),
		database.WithLimit(limit),
		database.WithOffset(max(opts.Offset, 0)),
		database.WithPlaceholders(style),
	}
	if opts.OwnerID != nil {
		queryOpts = append(queryOpts, database.WithCondition(database.WhereCond("owner_id", database.Equal, *opts.OwnerID)))
	}
	if opts.Status != nil {
		queryOpts = append(queryOpts, database.WithCondition(database.WhereCond("status", database.Equal, string(*opts.Status))))
	}
	return database.NewListQueryOptions("export_jobs", queryOpts...)
}

// CountByStatus returns the number of jobs in every status.
func (r *ExportJobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	counts := make(map[model.JobStatus]int)
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status model.JobStatus
				n      int
			)
			if scanErr := rows.Scan(&status, &n); scanErr != nil {
				return scanErr
			}
			counts[status] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return counts, nil
}

// ListExpired returns completed jobs whose artifacts expired before now and
// have not yet been revoked, in (expires_at, id) order after the cursor.
func (r *ExportJobRepo) ListExpired(ctx context.Context, now time.Time, after model.ExpiryCursor, limit int) ([]*model.ExportJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var jobs []*model.ExportJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, `
			SELECT `+exportJobColumns+`
			FROM export_jobs
			WHERE status = 'completed'
			  AND artifacts_revoked_at IS NULL
			  AND expires_at < $1
			  AND (expires_at, id::text) > ($2, $3)
			ORDER BY expires_at ASC, id::text ASC
			LIMIT $4`, now, after.ExpiresAt, after.ID, limit)
		if queryErr != nil {
			return queryErr
		}
		var collectErr error
		jobs, collectErr = collectExportJobs(rows)
		return collectErr
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// MarkArtifactsRevoked records that a completed job's artifacts were deleted.
func (r *ExportJobRepo) MarkArtifactsRevoked(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET artifacts_revoked_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'completed' AND artifacts_revoked_at IS NULL`, id, at)
}
