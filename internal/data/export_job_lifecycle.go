package data

import (
	"context"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

// StartAttempt moves a pending or processing job into a fresh attempt.
func (r *ExportJobRepo) StartAttempt(ctx context.Context, id string) (*model.ExportJob, error) {
	now := r.timeProvider.Now()
	job, err := r.queryOne(ctx, `
		UPDATE export_jobs
		SET status = 'processing',
		    attempt_count = attempt_count + 1,
		    progress = 0,
		    artifact_refs = '{}',
		    aggregate_ref = NULL,
		    failure_reason = NULL,
		    started_at = COALESCE(started_at, $2),
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+exportJobColumns, id, now)
	if err == nil {
		return job, nil
	}
	if mapped := apperrors.MapDBError(err); !apperrors.IsNotFound(mapped) {
		return nil, mapped
	}
	// Distinguish a missing job from one in a state that cannot start.
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, apperrors.Conflictf("export job %s is %s", id, existing.Status)
}

// AppendArtifact records the artifact of item params.Index when the attempt
// still owns the job and the artifacts before it are already recorded.
func (r *ExportJobRepo) AppendArtifact(ctx context.Context, params core.AppendArtifactParams) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET artifact_refs = array_append(artifact_refs, $4),
		    progress = GREATEST(progress, $5),
		    updated_at = $6
		WHERE id = $1
		  AND attempt_count = $2
		  AND status = 'processing'
		  AND cardinality(artifact_refs) = $3`,
		params.JobID, params.Attempt, params.Index, params.Ref, params.Progress, r.timeProvider.Now())
}

// CancelRequested reports whether the Facade flagged the job for cancellation.
func (r *ExportJobRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// Complete finalizes a successful attempt unless cancellation was requested.
func (r *ExportJobRepo) Complete(ctx context.Context, params core.CompleteParams) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'completed',
		    progress = 100,
		    aggregate_ref = $3,
		    completed_at = $4,
		    expires_at = $5,
		    processing_time_ms = $6,
		    updated_at = $4
		WHERE id = $1
		  AND attempt_count = $2
		  AND status = 'processing'
		  AND NOT cancel_requested`,
		params.JobID, params.Attempt, params.AggregateRef, r.timeProvider.Now(),
		params.ExpiresAt, params.ProcessingTime.Milliseconds())
}

// FailAttempt records a failed attempt. A non-final failure discards partial
// artifacts and leaves the job processing for its automatic retry.
func (r *ExportJobRepo) FailAttempt(ctx context.Context, params core.FailAttemptParams) (bool, error) {
	now := r.timeProvider.Now()
	if !params.Final {
		return r.exec(ctx, `
			UPDATE export_jobs
			SET artifact_refs = '{}', aggregate_ref = NULL, progress = 0, updated_at = $3
			WHERE id = $1 AND attempt_count = $2 AND status = 'processing'`,
			params.JobID, params.Attempt, now)
	}
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'failed',
		    failure_reason = $3,
		    artifact_refs = CASE WHEN $4 THEN artifact_refs ELSE '{}' END,
		    aggregate_ref = NULL,
		    completed_at = $5,
		    updated_at = $5
		WHERE id = $1 AND attempt_count = $2 AND status = 'processing'`,
		params.JobID, params.Attempt, params.Reason, params.KeepArtifacts, now)
}

// FinalizeCancelled moves an in-flight job to cancelled and discards its artifacts.
func (r *ExportJobRepo) FinalizeCancelled(ctx context.Context, id string, attempt int) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'cancelled',
		    progress = 0,
		    artifact_refs = '{}',
		    aggregate_ref = NULL,
		    completed_at = $3,
		    updated_at = $3
		WHERE id = $1 AND attempt_count = $2 AND status = 'processing'`,
		id, attempt, r.timeProvider.Now())
}

// ReleaseAttempt gives an interrupted attempt back: the attempt number is
// returned to the chain and partial artifacts are dropped.
func (r *ExportJobRepo) ReleaseAttempt(ctx context.Context, id string, attempt int) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET attempt_count = attempt_count - 1,
		    progress = 0,
		    artifact_refs = '{}',
		    aggregate_ref = NULL,
		    updated_at = $3
		WHERE id = $1 AND attempt_count = $2 AND status = 'processing'`,
		id, attempt, r.timeProvider.Now())
}

// RequestCancel sets the advisory cancellation flag on a non-terminal job.
func (r *ExportJobRepo) RequestCancel(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, r.timeProvider.Now())
}

// CancelQueued cancels a non-terminal job whose queue item was already removed.
func (r *ExportJobRepo) CancelQueued(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'cancelled',
		    cancel_requested = TRUE,
		    progress = 0,
		    artifact_refs = '{}',
		    aggregate_ref = NULL,
		    completed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, r.timeProvider.Now())
}

// ResetForRetry reopens a failed job for an explicit retry. attempt_count is
// kept and becomes the base of the new automatic retry budget.
func (r *ExportJobRepo) ResetForRetry(ctx context.Context, id string) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'pending',
		    progress = 0,
		    retry_base_attempts = attempt_count,
		    failure_reason = NULL,
		    artifact_refs = '{}',
		    aggregate_ref = NULL,
		    cancel_requested = FALSE,
		    processing_time_ms = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    expires_at = NULL,
		    artifacts_revoked_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'failed'`,
		id, r.timeProvider.Now())
}

// RevertRetry returns a reset job to failed when its re-enqueue failed and no
// attempt has started since the reset.
func (r *ExportJobRepo) RevertRetry(ctx context.Context, id string, reason string) (bool, error) {
	return r.exec(ctx, `
		UPDATE export_jobs
		SET status = 'failed',
		    failure_reason = $2,
		    completed_at = $3,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND retry_base_attempts > 0
		  AND attempt_count = retry_base_attempts`,
		id, reason, r.timeProvider.Now())
}
