package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/observability/metrics"
	"github.com/target/exportd/internal/observability/statsd"
)

// Listing bounds applied by ExportService.List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// DefaultMaxItems bounds the number of items in one export request.
const DefaultMaxItems = 500

// ExportServiceOptions groups dependencies for ExportService.
type ExportServiceOptions struct {
	Jobs    core.JobStore // Required: job record store
	Queue   core.Queue    // Required: work queue
	Storage core.Storage  // Required: artifact storage for downloads

	Logger       *slog.Logger           // Optional: structured logger
	Progress     core.ProgressPublisher // Optional: receives pending and cancelled events
	Metrics      statsd.Sink            // Optional: queue gauges emitted by Stats
	TimeProvider data.TimeProvider      // Optional: clock used for expiry checks

	Presets  model.PresetCatalog   // Optional: named render settings
	Defaults *model.RenderSettings // Optional: fills fields a request leaves empty
	MaxItems int                   // Optional: defaults to DefaultMaxItems
}

// ExportService is the lifecycle facade callers use to submit, observe,
// cancel and retry export jobs and to fetch their artifacts.
type ExportService struct {
	jobs     core.JobStore
	queue    core.Queue
	storage  core.Storage
	logger   *slog.Logger
	progress core.ProgressPublisher
	metrics  statsd.Sink
	clock    data.TimeProvider
	presets  model.PresetCatalog
	defaults model.RenderSettings
	maxItems int
}

// NewExportService constructs a new ExportService.
func NewExportService(opts ExportServiceOptions) (*ExportService, error) {
	var errs []error
	if opts.Jobs == nil {
		errs = append(errs, errors.New("JobStore is required"))
	}
	if opts.Queue == nil {
		errs = append(errs, errors.New("Queue is required"))
	}
	if opts.Storage == nil {
		errs = append(errs, errors.New("Storage is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	defaults := model.DefaultRenderSettings()
	if opts.Defaults != nil {
		defaults = opts.Defaults.WithDefaults(defaults)
		if err := defaults.Validate(); err != nil {
			return nil, fmt.Errorf("default render settings: %w", err)
		}
	}
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	clock := opts.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &ExportService{
		jobs:     opts.Jobs,
		queue:    opts.Queue,
		storage:  opts.Storage,
		logger:   logger.With("component", "export_service"),
		progress: opts.Progress,
		metrics:  opts.Metrics,
		clock:    clock,
		presets:  opts.Presets,
		defaults: defaults,
		maxItems: maxItems,
	}, nil
}

// MustNewExportService constructs a new ExportService and panics on error.
func MustNewExportService(opts ExportServiceOptions) *ExportService {
	svc, err := NewExportService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create ExportService: %v", err))
	}
	return svc
}

// Submit validates the request, persists a pending job and enqueues it.
// When the enqueue fails the record is cancelled so it never sits pending
// without a queue item, and a transient error is returned.
func (s *ExportService) Submit(ctx context.Context, req model.SubmitRequest) (*model.ExportJob, error) {
	if err := req.Validate(s.maxItems); err != nil {
		return nil, apperrors.Validation(err.Error())
	}
	settings, err := s.resolveSettings(req)
	if err != nil {
		return nil, err
	}
	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}

	record := &model.ExportJob{
		ID:             req.ID,
		OwnerID:        req.OwnerID,
		ItemRefs:       slices.Clone(req.ItemRefs),
		Kind:           req.Kind,
		RenderSettings: settings,
		Priority:       priority,
	}
	if req.Preset != "" {
		preset := req.Preset
		record.Preset = &preset
	}
	job, err := s.jobs.Create(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("create export job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.Priority, 0); err != nil {
		s.logger.ErrorContext(ctx, "enqueue export job", "job_id", job.ID, "error", err)
		if _, cerr := s.jobs.CancelQueued(ctx, job.ID); cerr != nil {
			s.logger.ErrorContext(ctx, "cancel unqueued export job", "job_id", job.ID, "error", cerr)
		}
		return nil, apperrors.Transient(err, "enqueue export job "+job.ID)
	}

	s.logger.InfoContext(ctx, "export job submitted",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"kind", job.Kind,
		"items", len(job.ItemRefs),
		"priority", job.Priority,
	)
	s.publish(ctx, job, model.JobStatusPending, "submitted")
	return job, nil
}

func (s *ExportService) resolveSettings(req model.SubmitRequest) (model.RenderSettings, error) {
	base := s.defaults
	if req.Preset != "" {
		preset, ok := s.presets.Lookup(req.Preset)
		if !ok {
			return model.RenderSettings{}, apperrors.ValidationField("preset", fmt.Sprintf("unknown preset %q", req.Preset))
		}
		base = preset.WithDefaults(base)
	}
	settings := base
	if req.RenderSettings != nil {
		settings = req.RenderSettings.WithDefaults(base)
	}
	if err := settings.Validate(); err != nil {
		return model.RenderSettings{}, apperrors.ValidationField("render_settings", err.Error())
	}
	return settings, nil
}

// GetStatus returns the job's status view.
func (s *ExportService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusView, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.StatusView(), nil
}

// Get returns the full job record.
func (s *ExportService) Get(ctx context.Context, jobID string) (*model.ExportJob, error) {
	return s.jobs.GetByID(ctx, jobID)
}

// Cancel cancels a job. A job whose queue item is not leased, or that has no
// queue item at all, is cancelled immediately; a job held by a worker gets the
// advisory flag and stops at the next item boundary.
func (s *ExportService) Cancel(ctx context.Context, jobID string) (*model.CancelResult, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperrors.Conflictf("export job %s is already %s", jobID, job.Status)
	}

	removed, err := s.queue.Remove(ctx, jobID)
	switch {
	case errors.Is(err, model.ErrNotQueued):
		// Workers ack only after the record is terminal, so a live job
		// without a queue item is one whose enqueue failed.
		removed = true
	case err != nil:
		return nil, fmt.Errorf("remove queued export job: %w", err)
	}
	if removed {
		ok, cerr := s.jobs.CancelQueued(ctx, jobID)
		if cerr != nil {
			return nil, fmt.Errorf("cancel export job: %w", cerr)
		}
		if ok {
			s.logger.InfoContext(ctx, "export job cancelled", "job_id", jobID, "status", job.Status)
			s.publish(ctx, job, model.JobStatusCancelled, "cancelled")
			return &model.CancelResult{JobID: jobID, Outcome: model.CancelOutcomeCancelled}, nil
		}
		return nil, s.terminalConflict(ctx, jobID)
	}

	ok, err := s.jobs.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("request export cancellation: %w", err)
	}
	if !ok {
		return nil, s.terminalConflict(ctx, jobID)
	}
	s.logger.InfoContext(ctx, "export cancellation requested", "job_id", jobID)
	return &model.CancelResult{JobID: jobID, Outcome: model.CancelOutcomeRequested}, nil
}

// terminalConflict reports the state a job reached while a facade update raced
// with its worker.
func (s *ExportService) terminalConflict(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return apperrors.Conflictf("export job %s is already %s", jobID, job.Status)
}

// Retry re-opens a failed job with a fresh automatic retry budget and
// re-enqueues it in its original priority tier.
func (s *ExportService) Retry(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusFailed {
		return apperrors.Conflictf("only failed export jobs can be retried; %s is %s", jobID, job.Status)
	}

	ok, err := s.jobs.ResetForRetry(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reset export job: %w", err)
	}
	if !ok {
		return s.terminalConflict(ctx, jobID)
	}

	if err := s.queue.Enqueue(ctx, jobID, job.Priority, 0); err != nil {
		s.logger.ErrorContext(ctx, "re-enqueue export job", "job_id", jobID, "error", err)
		s.revertRetry(ctx, job)
		return apperrors.Transient(err, "enqueue export job "+jobID)
	}
	s.logger.InfoContext(ctx, "export job retried", "job_id", jobID, "attempts", job.AttemptCount)
	s.publish(ctx, job, model.JobStatusPending, "retry requested")
	return nil
}

// revertRetry puts a job whose re-enqueue failed back to failed with its
// previous reason, so the caller can retry it again.
func (s *ExportService) revertRetry(ctx context.Context, job *model.ExportJob) {
	reason := ""
	if job.FailureReason != nil {
		reason = *job.FailureReason
	}
	ok, err := s.jobs.RevertRetry(ctx, job.ID, reason)
	if err != nil {
		s.logger.ErrorContext(ctx, "revert export retry", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		s.logger.WarnContext(ctx, "export retry not reverted; job already moved on", "job_id", job.ID)
	}
}

// GetArtifacts returns the artifacts of a completed job while they are retained.
func (s *ExportService) GetArtifacts(ctx context.Context, jobID string) (*model.ArtifactSet, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.artifactSet(job)
}

func (s *ExportService) artifactSet(job *model.ExportJob) (*model.ArtifactSet, error) {
	if job.Status != model.JobStatusCompleted {
		return nil, apperrors.Conflictf("export job %s is %s, not completed", job.ID, job.Status)
	}
	if job.ArtifactsExpired(s.clock.Now()) {
		return nil, apperrors.Expiredf("artifacts of export job %s have expired", job.ID)
	}
	set := &model.ArtifactSet{
		JobID:        job.ID,
		ArtifactRefs: slices.Clone(job.ArtifactRefs),
		AggregateRef: job.AggregateRef,
	}
	if job.ExpiresAt != nil {
		set.ExpiresAt = *job.ExpiresAt
	}
	return set, nil
}

// OpenArtifact streams one artifact of a completed job. The ref must belong to
// the job; the same expiry rule as GetArtifacts applies.
func (s *ExportService) OpenArtifact(ctx context.Context, jobID, ref string) (io.ReadCloser, error) {
	set, err := s.GetArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	owned := slices.Contains(set.ArtifactRefs, ref) || (set.AggregateRef != nil && *set.AggregateRef == ref)
	if !owned {
		return nil, apperrors.NotFoundf("artifact %s not found for export job %s", ref, jobID)
	}
	rc, err := s.storage.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return rc, nil
}

// List returns jobs newest first.
func (s *ExportService) List(ctx context.Context, opts model.JobListOptions) ([]*model.ExportJob, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", "invalid status")
	}
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	return s.jobs.List(ctx, opts)
}

// Stats combines queue occupancy with record counts by status.
func (s *ExportService) Stats(ctx context.Context) (*model.JobStats, error) {
	qs, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count export jobs: %w", err)
	}
	metrics.EmitQueueStats(s.metrics, qs)
	return &model.JobStats{
		Queue:      *qs,
		Pending:    counts[model.JobStatusPending],
		Processing: counts[model.JobStatusProcessing],
		Completed:  counts[model.JobStatusCompleted],
		Failed:     counts[model.JobStatusFailed],
		Cancelled:  counts[model.JobStatusCancelled],
	}, nil
}

// PauseQueue stops workers from leasing new jobs. In-flight jobs finish.
func (s *ExportService) PauseQueue(ctx context.Context) error {
	if err := s.queue.Pause(ctx); err != nil {
		return fmt.Errorf("pause queue: %w", err)
	}
	s.logger.InfoContext(ctx, "export queue paused")
	return nil
}

// ResumeQueue lets workers lease jobs again.
func (s *ExportService) ResumeQueue(ctx context.Context) error {
	if err := s.queue.Resume(ctx); err != nil {
		return fmt.Errorf("resume queue: %w", err)
	}
	s.logger.InfoContext(ctx, "export queue resumed")
	return nil
}

func (s *ExportService) publish(ctx context.Context, job *model.ExportJob, status model.JobStatus, msg string) {
	if s.progress == nil {
		return
	}
	evt := model.ProgressEvent{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Status:       status,
		AttemptCount: job.AttemptCount,
		Message:      msg,
		At:           s.clock.Now(),
	}
	if err := s.progress.Publish(ctx, evt); err != nil {
		s.logger.DebugContext(ctx, "publish progress", "job_id", job.ID, "error", err)
	}
}
