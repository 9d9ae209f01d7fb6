package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/adapters/jobrunner"
	redisadapter "github.com/target/exportd/internal/adapters/redis"
	"github.com/target/exportd/internal/adapters/render"
	"github.com/target/exportd/internal/adapters/sweeper"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/export"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/observability/notify/pagerduty"
	"github.com/target/exportd/internal/observability/notify/slack"
	"github.com/target/exportd/internal/observability/statsd"
	"github.com/target/exportd/internal/service"
	"github.com/target/exportd/internal/service/failurenotifier"
)

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Backends      *Backends
	Export        *service.ExportService
	Aggregator    *service.Aggregator
	Render        core.RenderEngine
	Progress      *export.Broker
	Publisher     core.ProgressPublisher
	Presets       model.PresetCatalog
	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// Sink returns the metrics sink, or nil when metrics are disabled.
//
//nolint:ireturn // callers only need the Sink interface.
func (o ObservabilityContainer) Sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config   *config.AppConfig
	Infra    *Infrastructure
	Backends *Backends
	Logger   *slog.Logger
}

// buildObservability configures metrics and notification adapters.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  cfg.Metrics.Prefix,
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: buildFailureNotifier(obsLogger, cfg.Notifications),
		NotifierConfig:  cfg.Notifications,
	}
}

func buildFailureNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *failurenotifier.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return failurenotifier.NewService(failurenotifier.Options{
			Logger: baseLogger.With("component", "failure_notifier"),
		})
	}

	sinks := make([]failurenotifier.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
			Endpoint:   cfg.PagerDuty.Endpoint,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, failurenotifier.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return failurenotifier.NewService(failurenotifier.Options{
		Logger:           baseLogger.With("component", "failure_notifier"),
		Sinks:            sinks,
		SendTimeout:      cfg.Timeout,
		SkipErrorClasses: cfg.SkipErrorClasses,
	})
}

// LoadPresetCatalog returns the built-in presets overlaid with presets from path.
func LoadPresetCatalog(path string) (model.PresetCatalog, error) {
	catalog := render.BuiltinPresets()
	if path == "" {
		return catalog, nil
	}
	custom, err := render.LoadPresets(path)
	if err != nil {
		return nil, err
	}
	maps.Copy(catalog, custom)
	return catalog, nil
}

// DefaultRenderSettings builds the request defaults from configuration.
func DefaultRenderSettings(cfg config.RenderConfig) model.RenderSettings {
	return model.RenderSettings{
		Format:  model.ImageFormat(cfg.DefaultFormat),
		Quality: cfg.DefaultQuality,
		Width:   cfg.DefaultWidth,
		Height:  cfg.DefaultHeight,
		Scale:   cfg.DefaultScale,
	}.WithDefaults(model.DefaultRenderSettings())
}

//nolint:ireturn // throttling wraps the engine only when configured.
func buildRenderEngine(cfg config.RenderConfig, sources core.Storage) core.RenderEngine {
	var engine core.RenderEngine = render.NewEngine(sources, render.WithMaxSourceBytes(cfg.MaxSourceBytes))
	if cfg.RateLimit > 0 {
		engine = render.NewThrottled(engine, cfg.RateLimit, cfg.RateBurst)
	}
	return engine
}

// NewServices builds the export services on top of the selected backends.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.Backends == nil {
		return ServiceContainer{}, errors.New("service deps require config and backends")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	observability := buildObservability(logger, cfg.Observability)

	presets, err := LoadPresetCatalog(cfg.Render.PresetsFile)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("load presets: %w", err)
	}

	broker := export.NewBroker(0)
	publishers := core.MultiPublisher{broker}
	if cfg.Export.RedisProgress && deps.Infra != nil && deps.Infra.RedisClient != nil {
		publishers = append(publishers, redisadapter.NewProgressPublisher(deps.Infra.RedisClient, cfg.Export.ProgressPrefix))
	}

	aggregator, err := service.NewAggregator(service.AggregatorOptions{
		Storage: deps.Backends.Storage,
		Logger:  logger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build aggregator: %w", err)
	}

	defaults := DefaultRenderSettings(cfg.Render)
	exportSvc, err := service.NewExportService(service.ExportServiceOptions{
		Jobs:     deps.Backends.Jobs,
		Queue:    deps.Backends.Queue,
		Storage:  deps.Backends.Storage,
		Logger:   logger,
		Progress: publishers,
		Metrics:  observability.Sink(),
		Presets:  presets,
		Defaults: &defaults,
		MaxItems: cfg.Export.MaxItems,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build export service: %w", err)
	}

	return ServiceContainer{
		Backends:      deps.Backends,
		Export:        exportSvc,
		Aggregator:    aggregator,
		Render:        buildRenderEngine(cfg.Render, deps.Backends.Storage),
		Progress:      broker,
		Publisher:     publishers,
		Presets:       presets,
		Observability: observability,
	}, nil
}

// ServiceOrchestrationConfig contains everything needed to run the enabled services.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Infra    *Infrastructure
	Logger   *slog.Logger
}

// serviceStartupDeps contains dependencies for starting services.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error", "service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)
	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

// NewWorkerRunner builds the export worker pool from configuration.
func NewWorkerRunner(cfg *config.AppConfig, services ServiceContainer, logger *slog.Logger) (*jobrunner.Runner, error) {
	if cfg == nil || services.Backends == nil {
		return nil, errors.New("worker requires config and backends")
	}
	retry, err := export.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	if err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	return jobrunner.NewRunner(jobrunner.RunnerOptions{
		Jobs:            services.Backends.Jobs,
		Queue:           services.Backends.Queue,
		Render:          services.Render,
		Storage:         services.Backends.Storage,
		Aggregator:      services.Aggregator,
		Logger:          logger,
		Progress:        services.Publisher,
		Metrics:         services.Observability.Sink(),
		FailureNotifier: services.Observability.FailureNotifier,
		Concurrency:     cfg.Worker.Concurrency,
		JobTimeout:      cfg.Worker.JobTimeout,
		Lease:           cfg.Worker.Lease,
		PollInterval:    cfg.Backends.PollInterval,
		Retention:       cfg.Export.Retention,
		Retry:           &retry,
		WorkerPrefix:    cfg.Worker.ID,
	})
}

// NewSweeperRunner builds the expiration sweeper from configuration.
func NewSweeperRunner(cfg *config.AppConfig, services ServiceContainer, logger *slog.Logger) (*sweeper.Runner, error) {
	if cfg == nil || services.Backends == nil {
		return nil, errors.New("sweeper requires config and backends")
	}
	return sweeper.NewRunner(sweeper.RunnerOptions{
		Jobs:    services.Backends.Jobs,
		Storage: services.Backends.Storage,
		Config:  cfg.Sweeper,
		Logger:  logger,
		Metrics: services.Observability.Sink(),
	})
}

func newWorkerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeWorker,
		name: "export worker",
		start: func(ctx context.Context) error {
			runner, err := NewWorkerRunner(deps.cfg.Config, deps.cfg.Services, deps.logger)
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeSweeper,
		name: "sweeper",
		start: func(ctx context.Context) error {
			runner, err := NewSweeperRunner(deps.cfg.Config, deps.cfg.Services, deps.logger)
			if err != nil {
				return err
			}
			return runner.Run(ctx)
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newWorkerBackgroundService(deps),
		newSweeperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	backgrounds := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		logger:      logger,
		backgrounds: backgrounds,
		metrics:     cfg.Services.Observability.MetricsSink,
	})
}

func errorChannelCapacity(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	return count
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	return errorChannelCapacity(enabled) + 1
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
	metrics     *statsd.Client
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services and flushes metrics.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}
	if cfg.metrics != nil {
		if err := cfg.metrics.Close(); err != nil {
			cfg.logger.Warn("close metrics client", "error", err)
		}
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
