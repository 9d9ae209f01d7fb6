package jobrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	obserrors "github.com/target/exportd/internal/observability/errors"
	"github.com/target/exportd/internal/observability/metrics"
	"github.com/target/exportd/internal/observability/notify"
)

// finalizeTimeout bounds the store and queue writes that settle an attempt,
// which run on a context detached from shutdown.
const finalizeTimeout = 10 * time.Second

var (
	// errCancelled stops an attempt at an item boundary after a cancel request.
	errCancelled = errors.New("export cancelled")
	// errAbandoned stops an attempt whose outcome another party now owns.
	errAbandoned = errors.New("export attempt abandoned")
	// errFenced reports a store write rejected because the attempt is stale.
	errFenced = errors.New("export attempt fenced")
)

// aggregationError marks failures of the archive step, which are terminal and
// keep the per-item artifacts.
type aggregationError struct{ err error }

func (e *aggregationError) Error() string { return e.err.Error() }
func (e *aggregationError) Unwrap() error { return e.err }

// attempt is one execution of a leased job.
type attempt struct {
	job      *model.ExportJob
	number   int
	lease    *model.Lease
	workerID string
	started  time.Time
	// stop is set when the worker stops waiting; the execution goroutine
	// checks it at item boundaries.
	stop atomic.Bool
}

type executionResult struct {
	aggregateRef *string
	err          error
}

// process settles one lease. It never returns an error: every outcome is
// recorded on the job and the queue item.
func (r *Runner) process(ctx context.Context, workerID string, lease *model.Lease) {
	log := r.logger.With("job_id", lease.JobID, "worker_id", workerID, "deliveries", lease.Deliveries)

	job, err := r.jobs.GetByID(ctx, lease.JobID)
	switch {
	case apperrors.IsNotFound(err):
		log.WarnContext(ctx, "dropping queue item without job record")
		r.release(ctx, lease, model.Ack())
		return
	case err != nil:
		log.ErrorContext(ctx, "load leased job", "error", err)
		r.release(ctx, lease, model.RetryAfter(r.poll))
		return
	case job.Status.Terminal():
		log.InfoContext(ctx, "dropping queue item for finished job", "status", job.Status)
		r.release(ctx, lease, model.Ack())
		return
	}

	// A processing record on delivery means the previous holder died or gave up
	// its lease; the chain budget decides whether to start again.
	if job.Status == model.JobStatusProcessing && !r.retry.ShouldRetry(job.ChainAttempts()) {
		r.expireAttempt(ctx, log, lease, job)
		return
	}

	job, err = r.jobs.StartAttempt(ctx, lease.JobID)
	if err != nil {
		if apperrors.IsConflict(err) || apperrors.IsNotFound(err) {
			log.InfoContext(ctx, "job left the queue before starting", "error", err)
			r.release(ctx, lease, model.Ack())
			return
		}
		log.ErrorContext(ctx, "start attempt", "error", err)
		r.release(ctx, lease, model.RetryAfter(r.poll))
		return
	}

	a := &attempt{job: job, number: job.AttemptCount, lease: lease, workerID: workerID, started: r.clock.Now()}
	log = log.With("attempt", a.number)
	log.InfoContext(ctx, "export attempt started", "items", len(job.ItemRefs), "kind", job.Kind)
	r.emit(a, metrics.TransitionStarted, metrics.ResultSuccess, nil, false)
	r.publish(ctx, job, model.JobStatusProcessing, 0, "attempt "+strconv.Itoa(a.number)+" started")

	res, wait := r.run(ctx, a)
	if ctx.Err() != nil {
		// The attempt is handed back on shutdown; let it stop writing first.
		wait()
	}
	r.settle(ctx, log, a, res)
	// The worker slot stays taken until the execution goroutine is gone.
	wait()
}

// run executes the attempt under the job timeout while heartbeating the lease.
// It returns as soon as the outcome is known; wait blocks until the execution
// goroutine has returned, which lags the outcome after a timeout or lease loss.
func (r *Runner) run(ctx context.Context, a *attempt) (executionResult, func()) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	leaseLost := make(chan struct{})
	go r.heartbeat(hbCtx, a, leaseLost)

	execCtx, cancelExec := context.WithTimeout(ctx, r.timeout)
	done := make(chan executionResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- r.execute(execCtx, a)
	}()
	wait := func() {
		<-finished
		cancelExec()
	}

	var res executionResult
	select {
	case res = <-done:
	case <-execCtx.Done():
		select {
		case res = <-done:
		default:
			res = executionResult{err: execCtx.Err()}
		}
	case <-leaseLost:
		res = executionResult{err: errAbandoned}
	}
	if res.err == nil {
		return res, wait
	}

	timedOut := ctx.Err() == nil && errors.Is(execCtx.Err(), context.DeadlineExceeded)
	a.stop.Store(true)
	cancelExec()
	switch {
	case errors.Is(res.err, errAbandoned), errors.Is(res.err, errCancelled), errors.Is(res.err, errFenced):
	case timedOut:
		res.err = apperrors.Timeout(res.err, model.ReasonTimeout)
	case ctx.Err() != nil:
		res.err = ctx.Err()
	}
	return res, wait
}

// heartbeat extends the lease every third of its duration and closes lost
// when the queue reports the token no longer owns the item.
func (r *Runner) heartbeat(ctx context.Context, a *attempt, lost chan<- struct{}) {
	ticker := time.NewTicker(r.lease.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := r.queue.ExtendLease(ctx, a.lease.Token, r.lease.Duration)
			switch {
			case err != nil && ctx.Err() != nil:
				return
			case err != nil:
				// Two more beats fit inside the lease; keep trying.
				r.logger.WarnContext(ctx, "lease heartbeat failed",
					"job_id", a.job.ID, "worker_id", a.workerID, "error", err)
			case !ok:
				r.logger.WarnContext(ctx, "lease lost", "job_id", a.job.ID, "worker_id", a.workerID)
				close(lost)
				return
			}
		}
	}
}

// execute renders and stores every item in order, then aggregates when the
// job kind needs an archive.
func (r *Runner) execute(ctx context.Context, a *attempt) executionResult {
	job := a.job
	total := len(job.ItemRefs)
	refs := make([]string, 0, total)

	for i, item := range job.ItemRefs {
		if err := r.checkpoint(ctx, a); err != nil {
			return executionResult{err: err}
		}

		itemStart := time.Now()
		ref, err := r.renderItem(ctx, job, i, item)
		metrics.EmitItemRendered(r.metrics, job.RenderSettings.Format, time.Since(itemStart), err)
		if err != nil {
			return executionResult{err: err}
		}
		if a.stop.Load() {
			return executionResult{err: errAbandoned}
		}

		progress := percent(i+1, total)
		ok, err := r.jobs.AppendArtifact(ctx, core.AppendArtifactParams{
			JobID:    job.ID,
			Attempt:  a.number,
			Index:    i,
			Ref:      ref,
			Progress: progress,
		})
		if err != nil {
			return executionResult{err: fmt.Errorf("record artifact %d: %w", i, err)}
		}
		if !ok {
			return executionResult{err: errFenced}
		}
		refs = append(refs, ref)
		r.publish(ctx, job, model.JobStatusProcessing, progress, "")
	}

	if err := r.checkpoint(ctx, a); err != nil {
		return executionResult{err: err}
	}
	if !job.Kind.NeedsAggregate() {
		return executionResult{}
	}
	archive, err := r.aggregator.Aggregate(ctx, job.ID, job.OwnerID, refs)
	if err != nil {
		return executionResult{err: &aggregationError{err: err}}
	}
	return executionResult{aggregateRef: &archive}
}

func (r *Runner) renderItem(ctx context.Context, job *model.ExportJob, index int, item string) (string, error) {
	out, err := r.render.Render(ctx, job.RenderSettings, item)
	if err != nil {
		return "", fmt.Errorf("render item %d: %w", index, err)
	}
	ref, err := r.storage.Put(ctx, core.ArtifactKey(job, index), bytes.NewReader(out), job.RenderSettings.ContentType())
	if err != nil {
		return "", fmt.Errorf("store item %d: %w", index, err)
	}
	return ref, nil
}

// checkpoint runs at every item boundary.
func (r *Runner) checkpoint(ctx context.Context, a *attempt) error {
	if a.stop.Load() {
		return errAbandoned
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := r.jobs.CancelRequested(ctx, a.job.ID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if cancelled {
		return errCancelled
	}
	return nil
}

// percent rounds 100*done/total to the nearest integer.
func percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*done + total) / (2 * total)
}

// settle records the attempt's outcome and releases its lease.
func (r *Runner) settle(ctx context.Context, log *slog.Logger, a *attempt, res executionResult) {
	shuttingDown := ctx.Err() != nil
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	switch {
	case res.err == nil:
		r.complete(fctx, log, a, res.aggregateRef)
	case errors.Is(res.err, errCancelled):
		r.cancel(fctx, log, a)
	case errors.Is(res.err, errAbandoned), errors.Is(res.err, errFenced):
		log.WarnContext(fctx, "export attempt abandoned", "error", res.err)
		r.emit(a, metrics.TransitionAbandoned, metrics.ResultNoop, nil, true)
		// Harmless when the lease is gone; otherwise hands the job to the next worker.
		r.release(fctx, a.lease, model.RetryAfter(0))
	case shuttingDown:
		r.handBack(fctx, log, a)
	default:
		r.fail(fctx, log, a, res.err)
	}
}

// handBack returns an attempt interrupted by shutdown to the queue without
// spending it, so the redelivery runs the same attempt number again.
func (r *Runner) handBack(ctx context.Context, log *slog.Logger, a *attempt) {
	refs := r.attemptArtifacts(ctx, a)
	ok, err := r.jobs.ReleaseAttempt(ctx, a.job.ID, a.number)
	switch {
	case err != nil:
		log.ErrorContext(ctx, "release interrupted attempt", "error", err)
	case ok:
		r.deleteRefs(ctx, a.job.ID, refs)
	}
	log.InfoContext(ctx, "releasing export attempt on shutdown", "attempt_returned", ok)
	r.emit(a, metrics.TransitionAbandoned, metrics.ResultNoop, nil, true)
	r.release(ctx, a.lease, model.RetryAfter(0))
}

func (r *Runner) complete(ctx context.Context, log *slog.Logger, a *attempt, aggregateRef *string) {
	now := r.clock.Now()
	elapsed := now.Sub(a.started)
	ok, err := r.jobs.Complete(ctx, core.CompleteParams{
		JobID:          a.job.ID,
		Attempt:        a.number,
		AggregateRef:   aggregateRef,
		ExpiresAt:      now.Add(r.retention),
		ProcessingTime: elapsed,
	})
	if err != nil {
		if aggregateRef != nil {
			r.deleteRefs(ctx, a.job.ID, []string{*aggregateRef})
		}
		r.fail(ctx, log, a, fmt.Errorf("complete export: %w", err))
		return
	}
	if !ok {
		// Complete refuses a cancelled or stale attempt.
		if aggregateRef != nil {
			r.deleteRefs(ctx, a.job.ID, []string{*aggregateRef})
		}
		if cancelled, cerr := r.jobs.CancelRequested(ctx, a.job.ID); cerr == nil && cancelled {
			r.cancel(ctx, log, a)
			return
		}
		r.settle(ctx, log, a, executionResult{err: errFenced})
		return
	}

	r.release(ctx, a.lease, model.Ack())
	log.InfoContext(ctx, "export completed", "processing_time", elapsed)
	r.emit(a, metrics.TransitionCompleted, metrics.ResultSuccess, nil, true)
	r.publish(ctx, a.job, model.JobStatusCompleted, 100, "")
}

func (r *Runner) cancel(ctx context.Context, log *slog.Logger, a *attempt) {
	refs := r.attemptArtifacts(ctx, a)
	ok, err := r.jobs.FinalizeCancelled(ctx, a.job.ID, a.number)
	if err != nil {
		log.ErrorContext(ctx, "finalize cancelled export", "error", err)
		r.release(ctx, a.lease, model.RetryAfter(r.poll))
		return
	}
	if !ok {
		r.settle(ctx, log, a, executionResult{err: errFenced})
		return
	}
	r.deleteRefs(ctx, a.job.ID, refs)
	r.release(ctx, a.lease, model.Ack())
	log.InfoContext(ctx, "export cancelled")
	r.emit(a, metrics.TransitionCancelled, metrics.ResultSuccess, nil, true)
	r.publish(ctx, a.job, model.JobStatusCancelled, 0, "cancelled")
}

// fail applies the retry policy to a failed attempt.
func (r *Runner) fail(ctx context.Context, log *slog.Logger, a *attempt, cause error) {
	var aggErr *aggregationError
	aggregation := errors.As(cause, &aggErr)
	chain := a.job.ChainAttempts()
	retry := !aggregation && apperrors.IsRetryable(cause) && r.retry.ShouldRetry(chain)
	reason := failureReason(cause, aggregation)
	if aggregation {
		log.ErrorContext(ctx, "aggregate export artifacts", "error", aggErr.err)
	}

	refs := r.attemptArtifacts(ctx, a)
	ok, err := r.jobs.FailAttempt(ctx, core.FailAttemptParams{
		JobID:         a.job.ID,
		Attempt:       a.number,
		Reason:        reason,
		Final:         !retry,
		KeepArtifacts: aggregation,
	})
	if err != nil {
		log.ErrorContext(ctx, "record failed attempt", "error", err, "cause", cause)
		r.release(ctx, a.lease, model.RetryAfter(r.poll))
		return
	}
	if !ok {
		r.settle(ctx, log, a, executionResult{err: errFenced})
		return
	}
	if !aggregation {
		r.deleteRefs(ctx, a.job.ID, refs)
	}

	if retry {
		delay := r.retry.BackoffDelay(chain)
		r.release(ctx, a.lease, model.RetryAfter(delay))
		log.WarnContext(ctx, "export attempt failed, retrying", "error", cause, "retry_in", delay)
		r.emit(a, metrics.TransitionRetried, metrics.ResultError, cause, true)
		r.publish(ctx, a.job, model.JobStatusProcessing, 0, "retrying in "+delay.String()+": "+reason)
		return
	}

	r.release(ctx, a.lease, model.Ack())
	log.ErrorContext(ctx, "export failed", "error", cause, "chain_attempts", chain)
	r.emit(a, metrics.TransitionFailed, metrics.ResultError, cause, true)
	r.publish(ctx, a.job, model.JobStatusFailed, 0, reason)
	r.notifyFailure(ctx, a.job, a.number, a.workerID, reason, cause)
}

// expireAttempt settles a job whose previous holder lost its lease with no
// retry budget left: cancelled when the owner asked for it, failed otherwise.
func (r *Runner) expireAttempt(ctx context.Context, log *slog.Logger, lease *model.Lease, job *model.ExportJob) {
	status := model.JobStatusFailed
	var (
		ok  bool
		err error
	)
	if job.CancelRequested {
		status = model.JobStatusCancelled
		ok, err = r.jobs.FinalizeCancelled(ctx, job.ID, job.AttemptCount)
	} else {
		ok, err = r.jobs.FailAttempt(ctx, core.FailAttemptParams{
			JobID:   job.ID,
			Attempt: job.AttemptCount,
			Reason:  model.ReasonLeaseExpired,
			Final:   true,
		})
	}
	if err != nil {
		log.ErrorContext(ctx, "settle abandoned attempt", "error", err)
		r.release(ctx, lease, model.RetryAfter(r.poll))
		return
	}
	r.release(ctx, lease, model.Ack())
	if !ok {
		return
	}
	r.deleteRefs(ctx, job.ID, job.ArtifactRefs)

	transition, msg := metrics.TransitionFailed, model.ReasonLeaseExpired
	if status == model.JobStatusCancelled {
		transition, msg = metrics.TransitionCancelled, "cancelled"
	}
	log.WarnContext(ctx, "settled abandoned attempt", "status", status, "attempts", job.AttemptCount)
	metrics.EmitExportLifecycle(r.metrics, metrics.ExportMetric{
		Kind:       job.Kind,
		Priority:   job.Priority,
		Transition: transition,
		Result:     metrics.ResultError,
	})
	r.publish(ctx, job, status, 0, msg)
	if status == model.JobStatusFailed {
		r.notifyFailure(ctx, job, job.AttemptCount, lease.WorkerID, model.ReasonLeaseExpired, nil)
	}
}

// attemptArtifacts returns the refs this attempt has recorded, so they can be
// deleted from storage once the record no longer points at them.
func (r *Runner) attemptArtifacts(ctx context.Context, a *attempt) []string {
	current, err := r.jobs.GetByID(ctx, a.job.ID)
	if err != nil || current.AttemptCount != a.number {
		return nil
	}
	return current.ArtifactRefs
}

// deleteRefs removes artifacts best-effort. Keys are deterministic, so a
// leftover is overwritten by the next attempt or revoked by the sweeper.
func (r *Runner) deleteRefs(ctx context.Context, jobID string, refs []string) {
	for _, ref := range refs {
		if err := r.storage.Delete(ctx, ref); err != nil {
			r.logger.WarnContext(ctx, "delete partial artifact", "job_id", jobID, "ref", ref, "error", err)
		}
	}
}

func failureReason(err error, aggregation bool) string {
	switch {
	case aggregation:
		return model.ReasonAggregationFailed
	case apperrors.IsTimeout(err):
		return model.ReasonTimeout
	default:
		return err.Error()
	}
}

func (r *Runner) release(ctx context.Context, lease *model.Lease, outcome model.ReleaseOutcome) {
	err := r.queue.Release(ctx, lease.Token, outcome)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrLeaseLost):
		r.logger.DebugContext(ctx, "release after lease loss", "job_id", lease.JobID, "outcome", outcome.Kind)
	default:
		// The lease expires on its own and the item is redelivered.
		r.logger.ErrorContext(ctx, "release lease", "job_id", lease.JobID, "outcome", outcome.Kind, "error", err)
	}
}

func (r *Runner) publish(ctx context.Context, job *model.ExportJob, status model.JobStatus, progress int, msg string) {
	if r.progress == nil {
		return
	}
	evt := model.ProgressEvent{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Status:       status,
		Progress:     progress,
		AttemptCount: job.AttemptCount,
		Message:      msg,
		At:           r.clock.Now(),
	}
	if err := r.progress.Publish(ctx, evt); err != nil {
		r.logger.DebugContext(ctx, "publish progress", "job_id", job.ID, "error", err)
	}
}

func (r *Runner) emit(a *attempt, transition, result string, err error, timed bool) {
	m := metrics.ExportMetric{
		Kind:       a.job.Kind,
		Priority:   a.job.Priority,
		Transition: transition,
		Result:     result,
		Err:        err,
	}
	if timed {
		m.Duration = r.clock.Now().Sub(a.started)
	}
	metrics.EmitExportLifecycle(r.metrics, m)
}

func (r *Runner) notifyFailure(ctx context.Context, job *model.ExportJob, attempts int, workerID, reason string, cause error) {
	if !r.failures.Enabled() {
		return
	}
	class := obserrors.Classify(cause)
	if cause == nil {
		class = reason
	}
	r.failures.NotifyExportFailure(ctx, notify.ExportFailurePayload{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Kind:       string(job.Kind),
		ItemCount:  len(job.ItemRefs),
		Attempts:   attempts,
		Reason:     reason,
		ErrorClass: class,
		OccurredAt: r.clock.Now(),
		Metadata: map[string]string{
			"component": "export_worker",
			"worker_id": workerID,
		},
	})
}
