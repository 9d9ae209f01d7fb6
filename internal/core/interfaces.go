// Package core defines the ports between the export services and their
// collaborators. Services depend on these interfaces; adapters in
// internal/data and internal/adapters implement them.
package core

import (
	"context"
	"io"
	"time"

	"github.com/target/exportd/internal/domain/model"
)

// JobStore persists export job records. Every worker-side mutation is fenced
// by the attempt number it was issued under and reports false when the record
// moved on; Facade-side mutations are single conditional updates.
type JobStore interface {
	Create(ctx context.Context, job *model.ExportJob) (*model.ExportJob, error)
	GetByID(ctx context.Context, id string) (*model.ExportJob, error)
	List(ctx context.Context, opts model.JobListOptions) ([]*model.ExportJob, error)
	CountByStatus(ctx context.Context) (map[model.JobStatus]int, error)

	// StartAttempt moves a pending or processing job into a fresh attempt and
	// returns the updated record. It returns a Conflict error when the job is
	// in any other state.
	StartAttempt(ctx context.Context, id string) (*model.ExportJob, error)
	AppendArtifact(ctx context.Context, params AppendArtifactParams) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	// Complete fails (returns false) when cancellation was requested.
	Complete(ctx context.Context, params CompleteParams) (bool, error)
	FailAttempt(ctx context.Context, params FailAttemptParams) (bool, error)
	FinalizeCancelled(ctx context.Context, id string, attempt int) (bool, error)
	// ReleaseAttempt hands an interrupted attempt back without spending it:
	// attempt_count is decremented and partial artifacts are discarded, so the
	// redelivered lease starts the same attempt number again.
	ReleaseAttempt(ctx context.Context, id string, attempt int) (bool, error)

	RequestCancel(ctx context.Context, id string) (bool, error)
	// CancelQueued cancels a pending or processing job whose queue item was
	// removed, so no worker can hold it.
	CancelQueued(ctx context.Context, id string) (bool, error)
	ResetForRetry(ctx context.Context, id string) (bool, error)
	// RevertRetry undoes ResetForRetry when the re-enqueue failed: a pending
	// job that has not started an attempt since the reset returns to failed
	// with reason.
	RevertRetry(ctx context.Context, id string, reason string) (bool, error)

	// ListExpired returns up to limit completed, unrevoked jobs that expired
	// before now, ordered by (expires_at, id) and starting after the cursor.
	ListExpired(ctx context.Context, now time.Time, after model.ExpiryCursor, limit int) ([]*model.ExportJob, error)
	MarkArtifactsRevoked(ctx context.Context, id string, at time.Time) (bool, error)
}

// AppendArtifactParams records one rendered item.
type AppendArtifactParams struct {
	JobID   string
	Attempt int
	// Index is the item position; the append only applies when exactly Index
	// artifacts are already recorded, which keeps artifact order equal to item order.
	Index    int
	Ref      string
	Progress int
}

// CompleteParams finalizes a successful attempt.
type CompleteParams struct {
	JobID          string
	Attempt        int
	AggregateRef   *string
	ExpiresAt      time.Time
	ProcessingTime time.Duration
}

// FailAttemptParams records a failed attempt. Final moves the job to failed;
// otherwise it stays processing awaiting its automatic retry.
type FailAttemptParams struct {
	JobID         string
	Attempt       int
	Reason        string
	Final         bool
	KeepArtifacts bool
}

// Queue is the durable, priority-ordered, lease-based work queue.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority model.Priority, delay time.Duration) error
	// Dequeue returns model.ErrQueueEmpty when nothing is visible or the queue is paused.
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (*model.Lease, error)
	ExtendLease(ctx context.Context, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, token string, outcome model.ReleaseOutcome) error
	// Remove deletes a queue item that is not currently leased. It reports
	// false for a leased item and returns model.ErrNotQueued when no item exists.
	Remove(ctx context.Context, jobID string) (bool, error)
	WaitForNotification(ctx context.Context) error
	Stats(ctx context.Context) (*model.QueueStats, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Storage holds source items and rendered artifacts. Put with an existing key
// overwrites it; Delete of a missing ref succeeds.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// RenderEngine turns one source item into encoded image bytes. Errors should be
// classified with errors.Transient or errors.Permanent; unclassified errors are
// retried.
type RenderEngine interface {
	Render(ctx context.Context, settings model.RenderSettings, itemRef string) ([]byte, error)
}

// ProgressPublisher receives job progress events. Implementations must not
// block the caller for long; delivery is best-effort.
type ProgressPublisher interface {
	Publish(ctx context.Context, evt model.ProgressEvent) error
}

// ProgressPublisherFunc adapts a function to ProgressPublisher.
type ProgressPublisherFunc func(ctx context.Context, evt model.ProgressEvent) error

// Publish implements ProgressPublisher.
func (f ProgressPublisherFunc) Publish(ctx context.Context, evt model.ProgressEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, evt)
}

// Aggregator bundles a job's artifacts into one archive and returns its ref.
type Aggregator interface {
	Aggregate(ctx context.Context, jobID, ownerID string, artifactRefs []string) (string, error)
}

// AggregatorFunc adapts a function to Aggregator.
type AggregatorFunc func(ctx context.Context, jobID, ownerID string, artifactRefs []string) (string, error)

// Aggregate implements Aggregator.
func (f AggregatorFunc) Aggregate(ctx context.Context, jobID, ownerID string, artifactRefs []string) (string, error) {
	return f(ctx, jobID, ownerID, artifactRefs)
}
