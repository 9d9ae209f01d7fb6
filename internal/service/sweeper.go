package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/observability/metrics"
	"github.com/target/exportd/internal/observability/statsd"
)

// SweeperServiceOptions groups dependencies for SweeperService.
type SweeperServiceOptions struct {
	Jobs         core.JobStore        // Required: job record store
	Storage      core.Storage         // Required: artifact storage
	Config       config.SweeperConfig // Required: sweeper configuration
	Logger       *slog.Logger         // Optional: structured logger
	Metrics      statsd.Sink          // Optional: metrics sink (StatsD-compatible)
	TimeProvider data.TimeProvider    // Optional: clock used to select expired jobs
}

// SweeperService revokes artifacts of completed jobs past their expiry.
//
// Each sweep deletes the per-item artifacts and the archive of every expired
// job and then stamps artifacts_revoked_at. The job status is not changed.
// A job whose deletes fail keeps its artifacts and is picked up by the next sweep.
type SweeperService struct {
	jobs    core.JobStore
	storage core.Storage
	config  config.SweeperConfig
	logger  *slog.Logger
	metrics statsd.Sink
	clock   data.TimeProvider
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Revoked int
	Failed  int
}

// NewSweeperService constructs a new SweeperService.
func NewSweeperService(opts SweeperServiceOptions) (*SweeperService, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("Storage is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper_service")
	logger.Debug("SweeperService initialized",
		"interval", cfg.Interval,
		"batch_size", cfg.BatchSize,
		"concurrency", cfg.Concurrency,
	)

	clock := opts.TimeProvider
	if clock == nil {
		clock = data.RealTimeProvider{}
	}

	return &SweeperService{
		jobs:    opts.Jobs,
		storage: opts.Storage,
		config:  cfg,
		logger:  logger,
		metrics: opts.Metrics,
		clock:   clock,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *SweeperService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting sweeper service", "interval", s.config.Interval)

	// Add jitter to prevent thundering herd if multiple instances start together
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if _, err := s.Sweep(ctx); err != nil {
		s.logSweepError(err, "initial sweep")
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper service stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				// Continue running despite errors
				s.logSweepError(err, "sweep")
			}
		}
	}
}

// waitWithJitter adds a random delay up to 10% of the interval.
func (s *SweeperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	// Use modulo on uint64 before converting to avoid overflow
	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Sweep revokes every job that is expired at the time of the call. It pages
// through expired jobs in (expires_at, id) order, so jobs whose deletes fail
// are skipped for the rest of the sweep instead of being listed again.
func (s *SweeperService) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.clock.Now()

	var (
		res    SweepResult
		errs   []error
		cursor model.ExpiryCursor
	)
	for {
		batch, err := s.jobs.ListExpired(ctx, now, cursor, s.config.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list expired jobs: %w", err))
			break
		}
		if len(batch) == 0 {
			break
		}

		revoked, batchErrs := s.revokeBatch(ctx, batch, now)
		res.Revoked += revoked
		res.Failed += len(batchErrs)
		for _, job := range batch {
			if err, failed := batchErrs[job.ID]; failed {
				errs = append(errs, err)
			}
		}

		if len(batch) < s.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		cursor = model.ExpiryCursorAfter(batch[len(batch)-1])
	}

	metrics.EmitSweep(s.metrics, res.Revoked, res.Failed, time.Since(start))
	if res.Revoked > 0 || res.Failed > 0 {
		s.logger.InfoContext(ctx, "artifact sweep finished",
			"revoked", res.Revoked,
			"failed", res.Failed,
			"duration", time.Since(start),
		)
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("sweep failed: %w", errors.Join(errs...))
	}
	return res, nil
}

// revokeBatch revokes jobs concurrently and returns the revoked count and the
// error of every job that kept its artifacts.
func (s *SweeperService) revokeBatch(ctx context.Context, batch []*model.ExportJob, now time.Time) (int, map[string]error) {
	var (
		mu      sync.Mutex
		revoked int
		errs    = make(map[string]error)
	)

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)
	for _, job := range batch {
		g.Go(func() error {
			ok, err := s.revoke(ctx, job, now)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs[job.ID] = fmt.Errorf("job %s: %w", job.ID, err)
			case ok:
				revoked++
			}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return revoked, errs
}

func (s *SweeperService) revoke(ctx context.Context, job *model.ExportJob, now time.Time) (bool, error) {
	refs := append([]string(nil), job.ArtifactRefs...)
	if job.AggregateRef != nil {
		refs = append(refs, *job.AggregateRef)
	}

	var errs []error
	for _, ref := range refs {
		if err := s.storage.Delete(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ref, err))
		}
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}

	ok, err := s.jobs.MarkArtifactsRevoked(ctx, job.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark artifacts revoked: %w", err)
	}
	if ok {
		s.logger.DebugContext(ctx, "revoked export artifacts", "job_id", job.ID, "artifacts", len(refs))
	}
	return ok, nil
}

func (s *SweeperService) logSweepError(err error, label string) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}
