// Package memstore provides in-memory implementations of the job store and
// queue ports. They are safe for concurrent use and intended for tests and
// single-process development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
)

var _ core.JobStore = (*Store)(nil)

// Store is an in-memory core.JobStore. Records are copied on the way in and
// out so callers never alias stored state.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*model.ExportJob
	clock data.TimeProvider
}

// NewStore returns an empty Store. A nil clock uses the system clock.
func NewStore(clock data.TimeProvider) *Store {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &Store{jobs: make(map[string]*model.ExportJob), clock: clock}
}

// Create inserts a new pending job.
func (s *Store) Create(_ context.Context, job *model.ExportJob) (*model.ExportJob, error) {
	if job == nil {
		return nil, apperrors.Validation("export job is required")
	}
	cp := job.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Priority == "" {
		cp.Priority = model.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[cp.ID]; exists {
		return nil, &apperrors.AppError{Code: apperrors.ErrCodeConflict, Message: "export job already exists", Field: "id"}
	}
	now := s.clock.Now()
	cp.Status = model.JobStatusPending
	cp.Progress = 0
	cp.AttemptCount = 0
	cp.RetryBaseAttempts = 0
	cp.ArtifactRefs = []string{}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.jobs[cp.ID] = cp
	return cp.Clone(), nil
}

// GetByID returns a copy of the job.
func (s *Store) GetByID(_ context.Context, id string) (*model.ExportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("export job not found")
	}
	return job.Clone(), nil
}

// List returns jobs newest first, optionally filtered by owner and status.
func (s *Store) List(_ context.Context, opts model.JobListOptions) ([]*model.ExportJob, error) {
	s.mu.RLock()
	matched := make([]*model.ExportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if opts.OwnerID != nil && job.OwnerID != *opts.OwnerID {
			continue
		}
		if opts.Status != nil && job.Status != *opts.Status {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].ID > matched[k].ID
	})

	offset := max(opts.Offset, 0)
	if offset >= len(matched) {
		return []*model.ExportJob{}, nil
	}
	matched = matched[offset:]
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// CountByStatus returns the number of jobs in every status.
func (s *Store) CountByStatus(_ context.Context) (map[model.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// ListExpired returns completed, unrevoked jobs whose artifacts expired before
// now, in (expires_at, id) order after the cursor.
func (s *Store) ListExpired(_ context.Context, now time.Time, after model.ExpiryCursor, limit int) ([]*model.ExportJob, error) {
	s.mu.RLock()
	var out []*model.ExportJob
	for _, job := range s.jobs {
		if job.Status != model.JobStatusCompleted || job.ArtifactsRevokedAt != nil || job.ExpiresAt == nil {
			continue
		}
		if job.ExpiresAt.Before(now) && after.Includes(*job.ExpiresAt, job.ID) {
			out = append(out, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].ExpiresAt.Equal(*out[k].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[k].ExpiresAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// update applies fn to the job under the write lock when cond holds.
func (s *Store) update(id string, cond func(*model.ExportJob) bool, fn func(*model.ExportJob, time.Time)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || !cond(job) {
		return false
	}
	now := s.clock.Now()
	fn(job, now)
	job.UpdatedAt = now
	return true
}

func inFlight(job *model.ExportJob) bool {
	return job.Status == model.JobStatusPending || job.Status == model.JobStatusProcessing
}

func ownedBy(attempt int) func(*model.ExportJob) bool {
	return func(job *model.ExportJob) bool {
		return job.Status == model.JobStatusProcessing && job.AttemptCount == attempt
	}
}

func discardArtifacts(job *model.ExportJob) {
	job.ArtifactRefs = []string{}
	job.AggregateRef = nil
}

// StartAttempt moves a pending or processing job into a fresh attempt.
func (s *Store) StartAttempt(_ context.Context, id string) (*model.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("export job not found")
	}
	if !inFlight(job) {
		return nil, apperrors.Conflictf("export job %s is %s", id, job.Status)
	}
	now := s.clock.Now()
	job.Status = model.JobStatusProcessing
	job.AttemptCount++
	job.Progress = 0
	job.FailureReason = nil
	discardArtifacts(job)
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return job.Clone(), nil
}

// AppendArtifact records item params.Index when the attempt still owns the job
// and exactly params.Index artifacts are already recorded.
func (s *Store) AppendArtifact(_ context.Context, params core.AppendArtifactParams) (bool, error) {
	owned := ownedBy(params.Attempt)
	return s.update(params.JobID,
		func(job *model.ExportJob) bool { return owned(job) && len(job.ArtifactRefs) == params.Index },
		func(job *model.ExportJob, _ time.Time) {
			job.ArtifactRefs = append(job.ArtifactRefs, params.Ref)
			job.Progress = max(job.Progress, params.Progress)
		}), nil
}

// CancelRequested reports the advisory cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return job.CancelRequested, nil
}

// Complete finalizes a successful attempt unless cancellation was requested.
func (s *Store) Complete(_ context.Context, params core.CompleteParams) (bool, error) {
	owned := ownedBy(params.Attempt)
	var invariantErr error
	ok := s.update(params.JobID,
		func(job *model.ExportJob) bool {
			if !owned(job) || job.CancelRequested {
				return false
			}
			if len(job.ArtifactRefs) != len(job.ItemRefs) {
				invariantErr = apperrors.ValidationField("artifact_refs", "completed jobs need one artifact per item")
				return false
			}
			return true
		},
		func(job *model.ExportJob, now time.Time) {
			job.Status = model.JobStatusCompleted
			job.Progress = 100
			job.AggregateRef = params.AggregateRef
			job.CompletedAt = &now
			expires := params.ExpiresAt
			job.ExpiresAt = &expires
			ms := params.ProcessingTime.Milliseconds()
			job.ProcessingTimeMs = &ms
		})
	return ok, invariantErr
}

// FailAttempt records a failed attempt.
func (s *Store) FailAttempt(_ context.Context, params core.FailAttemptParams) (bool, error) {
	return s.update(params.JobID, ownedBy(params.Attempt), func(job *model.ExportJob, now time.Time) {
		if !params.Final {
			discardArtifacts(job)
			job.Progress = 0
			return
		}
		reason := params.Reason
		job.Status = model.JobStatusFailed
		job.FailureReason = &reason
		job.CompletedAt = &now
		job.AggregateRef = nil
		if !params.KeepArtifacts {
			job.ArtifactRefs = []string{}
		}
	}), nil
}

// FinalizeCancelled moves an in-flight attempt to cancelled.
func (s *Store) FinalizeCancelled(_ context.Context, id string, attempt int) (bool, error) {
	return s.update(id, ownedBy(attempt), func(job *model.ExportJob, now time.Time) {
		job.Status = model.JobStatusCancelled
		job.Progress = 0
		job.CompletedAt = &now
		discardArtifacts(job)
	}), nil
}

// ReleaseAttempt returns an interrupted attempt without spending it.
func (s *Store) ReleaseAttempt(_ context.Context, id string, attempt int) (bool, error) {
	return s.update(id, ownedBy(attempt), func(job *model.ExportJob, _ time.Time) {
		job.AttemptCount--
		job.Progress = 0
		discardArtifacts(job)
	}), nil
}

// RequestCancel sets the advisory cancellation flag on a non-terminal job.
func (s *Store) RequestCancel(_ context.Context, id string) (bool, error) {
	return s.update(id, inFlight, func(job *model.ExportJob, _ time.Time) {
		job.CancelRequested = true
	}), nil
}

// CancelQueued cancels a non-terminal job whose queue item was removed.
func (s *Store) CancelQueued(_ context.Context, id string) (bool, error) {
	return s.update(id, inFlight, func(job *model.ExportJob, now time.Time) {
		job.Status = model.JobStatusCancelled
		job.CancelRequested = true
		job.Progress = 0
		job.CompletedAt = &now
		discardArtifacts(job)
	}), nil
}

// ResetForRetry reopens a failed job for an explicit retry.
func (s *Store) ResetForRetry(_ context.Context, id string) (bool, error) {
	return s.update(id,
		func(job *model.ExportJob) bool { return job.Status == model.JobStatusFailed },
		func(job *model.ExportJob, _ time.Time) {
			job.Status = model.JobStatusPending
			job.Progress = 0
			job.RetryBaseAttempts = job.AttemptCount
			job.FailureReason = nil
			job.CancelRequested = false
			job.ProcessingTimeMs = nil
			job.StartedAt = nil
			job.CompletedAt = nil
			job.ExpiresAt = nil
			job.ArtifactsRevokedAt = nil
			discardArtifacts(job)
		}), nil
}

// RevertRetry moves a reset job that never started back to failed.
func (s *Store) RevertRetry(_ context.Context, id string, reason string) (bool, error) {
	return s.update(id,
		func(job *model.ExportJob) bool {
			return job.Status == model.JobStatusPending && job.RetryBaseAttempts > 0 &&
				job.AttemptCount == job.RetryBaseAttempts
		},
		func(job *model.ExportJob, now time.Time) {
			job.Status = model.JobStatusFailed
			job.FailureReason = &reason
			job.CompletedAt = &now
		}), nil
}

// MarkArtifactsRevoked records that a completed job's artifacts were deleted.
func (s *Store) MarkArtifactsRevoked(_ context.Context, id string, at time.Time) (bool, error) {
	return s.update(id,
		func(job *model.ExportJob) bool {
			return job.Status == model.JobStatusCompleted && job.ArtifactsRevokedAt == nil
		},
		func(job *model.ExportJob, _ time.Time) {
			revoked := at
			job.ArtifactsRevokedAt = &revoked
		}), nil
}
