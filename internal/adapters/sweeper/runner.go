// Package sweeper provides adapters for running the artifact expiration sweeper.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/observability/statsd"
	"github.com/target/exportd/internal/service"
)

// Runner provides a simple adapter to run the sweep loop.
// It constructs the sweeper service and runs it until shutdown.
type Runner struct {
	sweeper *service.SweeperService
	logger  *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Storage core.Storage
	Config  config.SweeperConfig
	Logger  *slog.Logger

	// Jobs overrides the Postgres job store built from DB.
	DB           *sql.DB
	Jobs         core.JobStore
	Metrics      statsd.Sink
	TimeProvider data.TimeProvider
}

// NewRunner creates a new sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if err := validateRunnerOptions(&opts); err != nil {
		return nil, err
	}

	sweeper, err := wireSweeperService(opts)
	if err != nil {
		return nil, fmt.Errorf("wire sweeper service: %w", err)
	}

	return &Runner{sweeper: sweeper, logger: opts.Logger}, nil
}

// validateRunnerOptions validates and sets defaults for RunnerOptions.
func validateRunnerOptions(opts *RunnerOptions) error {
	if opts.DB == nil && opts.Jobs == nil {
		return errors.New("database connection or job store is required")
	}
	if opts.Storage == nil {
		return errors.New("artifact storage is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return nil
}

func wireSweeperService(opts RunnerOptions) (*service.SweeperService, error) {
	jobs := opts.Jobs
	if jobs == nil {
		jobs = data.NewExportJobRepo(opts.DB, data.ExportJobRepoConfig{
			Logger:       opts.Logger,
			TimeProvider: opts.TimeProvider,
		})
	}

	return service.NewSweeperService(service.SweeperServiceOptions{
		Jobs:         jobs,
		Storage:      opts.Storage,
		Config:       opts.Config,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
		TimeProvider: opts.TimeProvider,
	})
}

// Run starts the sweep loop and runs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting sweeper runner")
	return r.sweeper.Run(ctx)
}

// SweepOnce runs a single sweep, for the admin CLI.
func (r *Runner) SweepOnce(ctx context.Context) (service.SweepResult, error) {
	return r.sweeper.Sweep(ctx)
}
