// Package jobrunner runs the export worker pool: a fixed number of workers that
// lease jobs from the queue, render them item by item and resolve the outcome
// against the retry policy.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/export"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/observability/statsd"
	"github.com/target/exportd/internal/service/failurenotifier"
)

// Defaults applied by NewRunner.
const (
	DefaultConcurrency  = 1
	DefaultJobTimeout   = 5 * time.Minute
	DefaultLease        = 30 * time.Second
	DefaultPollInterval = 5 * time.Second
	DefaultRetention    = 7 * 24 * time.Hour
)

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Jobs       core.JobStore
	Queue      core.Queue
	Render     core.RenderEngine
	Storage    core.Storage
	Aggregator core.Aggregator

	Logger          *slog.Logger
	Progress        core.ProgressPublisher
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
	TimeProvider    data.TimeProvider
	// Notifier delivers queue wake-ups; nil builds one on Queue.WaitForNotification.
	Notifier export.Notifier

	Concurrency  int           // number of workers; defaults to 1
	JobTimeout   time.Duration // wall-clock bound per attempt; defaults to 5m
	Lease        time.Duration // queue lease, extended every Lease/3; defaults to 30s
	PollInterval time.Duration // idle re-poll when no wake-up arrives; defaults to 5s
	Retention    time.Duration // artifact lifetime after completion; defaults to 7 days
	Retry        *export.RetryPolicy
	// WorkerPrefix names workers <prefix>-<n>; defaults to hostname plus a short id.
	WorkerPrefix string
}

// Runner is the export worker pool.
type Runner struct {
	jobs       core.JobStore
	queue      core.Queue
	render     core.RenderEngine
	storage    core.Storage
	aggregator core.Aggregator

	logger   *slog.Logger
	progress core.ProgressPublisher
	metrics  statsd.Sink
	failures *failurenotifier.Service
	clock    data.TimeProvider
	notifier export.Notifier

	workers   int
	timeout   time.Duration
	lease     export.LeaseDecision
	poll      time.Duration
	retention time.Duration
	retry     export.RetryPolicy
	prefix    string
}

// NewRunner validates options and applies defaults.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(opts); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "export_worker")

	leasePolicy, err := export.NewLeasePolicy(DefaultLease)
	if err != nil {
		return nil, err
	}

	retry := export.DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, nerr := export.NewNotifier(export.NotifierOptions{
			Waiter:     opts.Queue,
			WaitWindow: positiveOr(opts.PollInterval, DefaultPollInterval),
		})
		if nerr != nil {
			return nil, fmt.Errorf("build queue notifier: %w", nerr)
		}
		notifier = n
	}

	clock := opts.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}

	return &Runner{
		jobs:       opts.Jobs,
		queue:      opts.Queue,
		render:     opts.Render,
		storage:    opts.Storage,
		aggregator: opts.Aggregator,
		logger:     logger,
		progress:   opts.Progress,
		metrics:    opts.Metrics,
		failures:   opts.FailureNotifier,
		clock:      clock,
		notifier:   notifier,
		workers:    positiveOr(opts.Concurrency, DefaultConcurrency),
		timeout:    positiveOr(opts.JobTimeout, DefaultJobTimeout),
		lease:      leasePolicy.Resolve(opts.Lease),
		poll:       positiveOr(opts.PollInterval, DefaultPollInterval),
		retention:  positiveOr(opts.Retention, DefaultRetention),
		retry:      retry,
		prefix:     workerPrefix(opts.WorkerPrefix),
	}, nil
}

func validateRunnerOptions(opts RunnerOptions) error {
	var errs []error
	if opts.Jobs == nil {
		errs = append(errs, errors.New("job store is required"))
	}
	if opts.Queue == nil {
		errs = append(errs, errors.New("queue is required"))
	}
	if opts.Render == nil {
		errs = append(errs, errors.New("render engine is required"))
	}
	if opts.Storage == nil {
		errs = append(errs, errors.New("storage is required"))
	}
	if opts.Aggregator == nil {
		errs = append(errs, errors.New("aggregator is required"))
	}
	return errors.Join(errs...)
}

func positiveOr[T ~int | ~int64](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

func workerPrefix(p string) string {
	if p != "" {
		return p
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "exportd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Run starts the workers and blocks until ctx is cancelled. In-flight attempts
// are released back to the queue on shutdown.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting export workers",
		"workers", r.workers,
		"lease", r.lease.Duration,
		"job_timeout", r.timeout,
		"max_attempts", r.retry.MaxAttempts,
	)

	var wg sync.WaitGroup
	for i := range r.workers {
		workerID := fmt.Sprintf("%s-%d", r.prefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()

	r.logger.InfoContext(context.WithoutCancel(ctx), "export workers stopped")
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	unsub, wake := r.notifier.Subscribe()
	defer unsub()

	for ctx.Err() == nil {
		lease, err := r.queue.Dequeue(ctx, workerID, r.lease.Duration)
		switch {
		case err == nil:
			r.process(ctx, workerID, lease)
			continue
		case errors.Is(err, model.ErrQueueEmpty):
		case ctx.Err() != nil:
			return
		default:
			// Store outages must not take the pool down; back off and re-poll.
			r.logger.ErrorContext(ctx, "dequeue failed", "worker_id", workerID, "error", err)
		}
		if !r.waitForWork(ctx, &wake) {
			return
		}
	}
}

// waitForWork blocks until a wake-up, the poll interval or shutdown. A closed
// wake channel falls back to polling.
func (r *Runner) waitForWork(ctx context.Context, wake *<-chan struct{}) bool {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-*wake:
		if !ok {
			*wake = nil
		}
		return true
	case <-timer.C:
		return true
	}
}
