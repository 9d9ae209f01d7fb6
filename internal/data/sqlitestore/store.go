package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/data/database"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

var _ core.JobStore = (*Store)(nil)

// Config holds the collaborators shared by Store and Queue.
type Config struct {
	Logger       *slog.Logger
	TimeProvider data.TimeProvider
}

func (c Config) resolve(component string) (*slog.Logger, data.TimeProvider) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := c.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return logger.With("component", component), clock
}

// Store is the SQLite implementation of core.JobStore. Timestamps are stored
// as Unix milliseconds and ref lists as JSON arrays.
type Store struct {
	db     *sql.DB
	clock  data.TimeProvider
	logger *slog.Logger
}

// NewStore wraps a database opened with Open.
func NewStore(db *sql.DB, cfg Config) *Store {
	logger, clock := cfg.resolve("sqlite_job_store")
	return &Store{db: db, clock: clock, logger: logger}
}

var jobColumns = strings.Join(data.ExportJobColumnList, ", ")

func scanJob(scanner interface{ Scan(dest ...any) error }) (*model.ExportJob, error) {
	var (
		job                                          model.ExportJob
		items, settings, artifacts                   string
		preset, aggregate, reason                    sql.NullString
		procMs, started, completed, expires, revoked sql.NullInt64
		created, updated                             int64
		cancel                                       bool
	)
	if err := scanner.Scan(
		&job.ID, &job.OwnerID, &items, &job.Kind, &settings, &preset, &job.Priority, &job.Status,
		&job.Progress, &job.AttemptCount, &job.RetryBaseAttempts, &artifacts, &aggregate,
		&reason, &cancel, &procMs, &started, &completed,
		&expires, &revoked, &created, &updated,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &job.ItemRefs); err != nil {
		return nil, fmt.Errorf("decode item refs: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &job.ArtifactRefs); err != nil {
		return nil, fmt.Errorf("decode artifact refs: %w", err)
	}
	if job.ArtifactRefs == nil {
		job.ArtifactRefs = []string{}
	}
	if err := json.Unmarshal([]byte(settings), &job.RenderSettings); err != nil {
		return nil, fmt.Errorf("decode render settings: %w", err)
	}
	job.Preset = nullString(preset)
	job.AggregateRef = nullString(aggregate)
	job.FailureReason = nullString(reason)
	job.CancelRequested = cancel
	if procMs.Valid {
		ms := procMs.Int64
		job.ProcessingTimeMs = &ms
	}
	job.StartedAt = nullMillis(started)
	job.CompletedAt = nullMillis(completed)
	job.ExpiresAt = nullMillis(expires)
	job.ArtifactsRevokedAt = nullMillis(revoked)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	return &job, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*model.ExportJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	jobs := make([]*model.ExportJob, 0)
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	if err = rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return jobs, nil
}

// Create inserts a new pending job.
func (s *Store) Create(ctx context.Context, job *model.ExportJob) (*model.ExportJob, error) {
	if job == nil {
		return nil, apperrors.Validation("export job is required")
	}
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := job.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	items, err := json.Marshal(job.ItemRefs)
	if err != nil {
		return nil, fmt.Errorf("encode item refs: %w", err)
	}
	settings, err := json.Marshal(job.RenderSettings)
	if err != nil {
		return nil, fmt.Errorf("encode render settings: %w", err)
	}
	now := toMillis(s.clock.Now())

	const q = `INSERT INTO export_jobs (id, owner_id, item_refs, kind, render_settings, preset, priority, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`
	if _, err = s.db.ExecContext(ctx, q, id, job.OwnerID, string(items), job.Kind, string(settings), job.Preset,
		priority, now, now); err != nil {
		return nil, mapError(err)
	}
	s.logger.DebugContext(ctx, "export job created", "job_id", id, "owner_id", job.OwnerID)
	return s.GetByID(ctx, id)
}

// GetByID returns the job or a NotFound error.
func (s *Store) GetByID(ctx context.Context, id string) (*model.ExportJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, mapError(err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by owner and status.
func (s *Store) List(ctx context.Context, opts model.JobListOptions) ([]*model.ExportJob, error) {
	query, args := database.BuildListQuery(data.ExportJobListQuery(opts, database.Question))
	return s.queryJobs(ctx, query, args...)
}

// CountByStatus returns the number of jobs in every status.
func (s *Store) CountByStatus(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var (
			status model.JobStatus
			n      int
		)
		if err = rows.Scan(&status, &n); err != nil {
			return nil, mapError(err)
		}
		counts[status] = n
	}
	return counts, mapError(rows.Err())
}

// ListExpired returns completed, unrevoked jobs whose artifacts expired before
// now, in (expires_at, id) order after the cursor.
func (s *Store) ListExpired(ctx context.Context, now time.Time, after model.ExpiryCursor, limit int) ([]*model.ExportJob, error) {
	if limit <= 0 {
		limit = 100
	}
	cursorAt := toMillis(after.ExpiresAt)
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM export_jobs
WHERE status = 'completed' AND artifacts_revoked_at IS NULL AND expires_at < ?
  AND (expires_at > ? OR (expires_at = ? AND id > ?))
ORDER BY expires_at, id LIMIT ?`, toMillis(now), cursorAt, cursorAt, after.ID, limit)
}

// MarkArtifactsRevoked records that a completed job's artifacts were deleted.
func (s *Store) MarkArtifactsRevoked(ctx context.Context, id string, at time.Time) (bool, error) {
	return execAffected(ctx, s.db, `UPDATE export_jobs SET artifacts_revoked_at = ?, updated_at = ?
WHERE id = ? AND status = 'completed' AND artifacts_revoked_at IS NULL`,
		toMillis(at), toMillis(s.clock.Now()), id)
}

// StartAttempt moves a pending or processing job into a fresh attempt.
func (s *Store) StartAttempt(ctx context.Context, id string) (*model.ExportJob, error) {
	now := toMillis(s.clock.Now())
	ok, err := execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'processing',
  attempt_count = attempt_count + 1,
  progress = 0,
  artifact_refs = '[]',
  aggregate_ref = NULL,
  failure_reason = NULL,
  started_at = COALESCE(started_at, ?),
  updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing')`, now, now, id)
	if err != nil {
		return nil, err
	}
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflictf("export job %s is %s", id, job.Status)
	}
	return job, nil
}

const ownedByAttempt = `id = ? AND attempt_count = ? AND status = 'processing'`

// AppendArtifact records item params.Index when the attempt still owns the job
// and exactly params.Index artifacts are already recorded.
func (s *Store) AppendArtifact(ctx context.Context, params core.AppendArtifactParams) (bool, error) {
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  artifact_refs = json_insert(artifact_refs, '$[#]', ?),
  progress = MAX(progress, ?),
  updated_at = ?
WHERE `+ownedByAttempt+` AND json_array_length(artifact_refs) = ?`,
		params.Ref, params.Progress, toMillis(s.clock.Now()), params.JobID, params.Attempt, params.Index)
}

// CancelRequested reports the advisory cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM export_jobs WHERE id = ?`, id).Scan(&requested)
	if err != nil {
		return false, mapError(err)
	}
	return requested, nil
}

// Complete finalizes a successful attempt unless cancellation was requested.
func (s *Store) Complete(ctx context.Context, params core.CompleteParams) (bool, error) {
	now := toMillis(s.clock.Now())
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'completed',
  progress = 100,
  aggregate_ref = ?,
  completed_at = ?,
  expires_at = ?,
  processing_time_ms = ?,
  updated_at = ?
WHERE `+ownedByAttempt+` AND cancel_requested = 0`,
		params.AggregateRef, now, toMillis(params.ExpiresAt), params.ProcessingTime.Milliseconds(), now,
		params.JobID, params.Attempt)
}

// FailAttempt records a failed attempt.
func (s *Store) FailAttempt(ctx context.Context, params core.FailAttemptParams) (bool, error) {
	now := toMillis(s.clock.Now())
	if !params.Final {
		return execAffected(ctx, s.db, `UPDATE export_jobs SET
  artifact_refs = '[]', aggregate_ref = NULL, progress = 0, updated_at = ?
WHERE `+ownedByAttempt, now, params.JobID, params.Attempt)
	}
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'failed',
  failure_reason = ?,
  completed_at = ?,
  aggregate_ref = NULL,
  artifact_refs = CASE WHEN ? THEN artifact_refs ELSE '[]' END,
  updated_at = ?
WHERE `+ownedByAttempt, params.Reason, now, params.KeepArtifacts, now, params.JobID, params.Attempt)
}

// FinalizeCancelled moves an in-flight attempt to cancelled.
func (s *Store) FinalizeCancelled(ctx context.Context, id string, attempt int) (bool, error) {
	now := toMillis(s.clock.Now())
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'cancelled', progress = 0, artifact_refs = '[]', aggregate_ref = NULL,
  completed_at = ?, updated_at = ?
WHERE `+ownedByAttempt, now, now, id, attempt)
}

// ReleaseAttempt returns an interrupted attempt without spending it.
func (s *Store) ReleaseAttempt(ctx context.Context, id string, attempt int) (bool, error) {
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  attempt_count = attempt_count - 1, progress = 0, artifact_refs = '[]', aggregate_ref = NULL, updated_at = ?
WHERE `+ownedByAttempt, toMillis(s.clock.Now()), id, attempt)
}

// RequestCancel sets the advisory cancellation flag on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	return execAffected(ctx, s.db, `UPDATE export_jobs SET cancel_requested = 1, updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing')`, toMillis(s.clock.Now()), id)
}

// CancelQueued cancels a non-terminal job whose queue item was removed.
func (s *Store) CancelQueued(ctx context.Context, id string) (bool, error) {
	now := toMillis(s.clock.Now())
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'cancelled', cancel_requested = 1, progress = 0,
  artifact_refs = '[]', aggregate_ref = NULL, completed_at = ?, updated_at = ?
WHERE id = ? AND status IN ('pending', 'processing')`, now, now, id)
}

// ResetForRetry reopens a failed job for an explicit retry.
func (s *Store) ResetForRetry(ctx context.Context, id string) (bool, error) {
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'pending',
  progress = 0,
  retry_base_attempts = attempt_count,
  failure_reason = NULL,
  artifact_refs = '[]',
  aggregate_ref = NULL,
  cancel_requested = 0,
  processing_time_ms = NULL,
  started_at = NULL,
  completed_at = NULL,
  expires_at = NULL,
  artifacts_revoked_at = NULL,
  updated_at = ?
WHERE id = ? AND status = 'failed'`, toMillis(s.clock.Now()), id)
}

// RevertRetry moves a reset job that never started back to failed.
func (s *Store) RevertRetry(ctx context.Context, id string, reason string) (bool, error) {
	now := toMillis(s.clock.Now())
	return execAffected(ctx, s.db, `UPDATE export_jobs SET
  status = 'failed', failure_reason = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'pending' AND retry_base_attempts > 0 AND attempt_count = retry_base_attempts`,
		reason, now, now, id)
}
