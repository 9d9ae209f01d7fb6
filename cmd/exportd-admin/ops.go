package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/exportd/internal/bootstrap"
	"github.com/target/exportd/internal/devseed"
)

const defaultMigrationTimeout = 5 * time.Minute

type timeoutOptions struct {
	Timeout time.Duration
}

func parseTimeoutFlags(name string, args []string, fallback time.Duration) (timeoutOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := timeoutOptions{Timeout: fallback}
	fs.DurationVar(&opts.Timeout, "timeout", fallback, "Maximum duration to wait for the command to complete")
	if err := fs.Parse(args); err != nil {
		return timeoutOptions{}, err
	}
	if opts.Timeout <= 0 {
		return timeoutOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runSweep(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("sweep", args, defaultCommandTimeout)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, opts.Timeout, func(ctx context.Context, env *exportEnv) error {
		runner, err := bootstrap.NewSweeperRunner(&cmdCtx.Config, env.services, cmdCtx.Logger)
		if err != nil {
			return err
		}
		res, err := runner.SweepOnce(ctx)
		if werr := writef(cmdCtx.Out, "Sweep complete: revoked=%d failed=%d\n", res.Revoked, res.Failed); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	})
}

func runSeed(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("seed", args, defaultCommandTimeout)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, opts.Timeout, func(ctx context.Context, env *exportEnv) error {
		res, err := devseed.Run(ctx, devseed.Services{
			Storage: env.services.Backends.Storage,
			Export:  env.services.Export,
		}, cmdCtx.Logger)
		for _, job := range res.Jobs {
			if werr := writef(cmdCtx.Out, "Seeded %s job %s\n", job.Kind, job.ID); werr != nil {
				return errors.Join(err, werr)
			}
		}
		return err
	})
}

func runMigrations(cmdCtx *commandContext, args []string) error {
	opts, err := parseTimeoutFlags("migrate", args, defaultMigrationTimeout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cfg := &cmdCtx.Config
	dbCfg := bootstrap.DatabaseConfig{
		DBConfig:     cfg.Postgres,
		SQLiteConfig: cfg.SQLite,
		Logger:       cmdCtx.Logger,
	}

	if cfg.NeedsSQLite() {
		// Opening the SQLite database applies its schema.
		db, err := bootstrap.OpenSQLite(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("sqlite close failed", "error", closeErr)
		}
		cmdCtx.Logger.Info("sqlite schema is current", "path", cfg.SQLite.Path)
	}
	if !cfg.NeedsPostgres() {
		cmdCtx.Logger.Info("no postgres backend configured; nothing to migrate")
		return nil
	}

	db, err := bootstrap.ConnectDB(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", closeErr)
		}
	}()

	cmdCtx.Logger.Info("running database migrations")

	if migrateErr := bootstrap.RunMigrations(ctx, db, cmdCtx.Logger); migrateErr != nil {
		return fmt.Errorf("run migrations: %w", migrateErr)
	}

	cmdCtx.Logger.Info("migrations completed successfully")
	return nil
}
