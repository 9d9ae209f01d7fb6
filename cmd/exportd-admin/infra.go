package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/target/exportd/internal/bootstrap"
)

const defaultCommandTimeout = 2 * time.Minute

// exportEnv is the set of services a command operates on.
type exportEnv struct {
	infra    *bootstrap.Infrastructure
	services bootstrap.ServiceContainer
}

// openExport connects the configured backends and builds the export services.
func openExport(cmdCtx *commandContext) (*exportEnv, error) {
	cfg := &cmdCtx.Config
	infra, err := bootstrap.InitInfrastructure(cmdCtx.Ctx, cfg, cmdCtx.Logger)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	backends, err := bootstrap.BuildBackends(cfg, infra, cmdCtx.Logger)
	if err != nil {
		return nil, closeAfter(infra, err)
	}
	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:   cfg,
		Infra:    infra,
		Backends: backends,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return nil, closeAfter(infra, err)
	}
	return &exportEnv{infra: infra, services: services}, nil
}

func closeAfter(infra *bootstrap.Infrastructure, err error) error {
	if cerr := infra.Close(); cerr != nil {
		return fmt.Errorf("%w (close infrastructure: %w)", err, cerr)
	}
	return err
}

func (e *exportEnv) Close() error {
	if e == nil {
		return nil
	}
	if sink := e.services.Observability.MetricsSink; sink != nil {
		_ = sink.Close()
	}
	return e.infra.Close()
}

// withExport runs f against freshly opened services under a signal-aware timeout.
func withExport(cmdCtx *commandContext, timeout time.Duration, f func(context.Context, *exportEnv) error) error {
	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	env, err := openExport(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := env.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close infrastructure failed", "error", cerr)
		}
	}()

	return f(ctx, env)
}
