package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/bootstrap"
	"github.com/target/exportd/internal/devseed"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger(os.Getenv("LOG_LEVEL"))
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	cfgPtr := &cfg

	// Log startup info
	logStartupInfo(ctx, logger, cfgPtr)

	// Validate configuration
	if err = bootstrap.ValidateServiceConfig(cfgPtr); err != nil {
		return err
	}

	// Initialize infrastructure
	infra, err := bootstrap.InitInfrastructure(ctx, cfgPtr, logger)
	if err != nil {
		return fmt.Errorf("init infrastructure: %w", err)
	}
	defer func() {
		if cerr := infra.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close infrastructure failed", "error", cerr)
		}
	}()

	backends, err := bootstrap.BuildBackends(cfgPtr, infra, logger)
	if err != nil {
		return err
	}

	// Initialize and run services
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:   cfgPtr,
		Infra:    infra,
		Backends: backends,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if cfg.IsDev {
		seedDevData(ctx, logger, services)
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   cfgPtr,
		Services: services,
		Infra:    infra,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting exportd",
		"store", cfg.Backends.Store,
		"queue", cfg.Backends.Queue,
		"storage", cfg.Storage.Backend,
		"worker_concurrency", cfg.Worker.Concurrency,
		"dev", cfg.IsDev,
		"enabled_services", bootstrap.GetEnabledServices(cfg))
}

// seedDevData is best effort; a failed seed never blocks startup.
func seedDevData(ctx context.Context, logger *slog.Logger, services bootstrap.ServiceContainer) {
	res, err := devseed.Run(ctx, devseed.Services{
		Storage: services.Backends.Storage,
		Export:  services.Export,
	}, logger)
	if err != nil {
		logger.WarnContext(ctx, "dev seed incomplete", "error", err)
	}
	logger.InfoContext(ctx, "dev seed finished", "sources", len(res.SourceRefs), "jobs", len(res.Jobs))
}
