package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/target/exportd/config"
	"github.com/target/exportd/internal/bootstrap"
)

type commandFn func(ctx *commandContext, args []string) error

type command struct {
	name        string
	description string
	run         commandFn
}

type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
}

func main() {
	logger := bootstrap.InitLogger(os.Getenv("LOG_LEVEL"))

	if len(os.Args) < 2 {
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when no command is provided
	}

	cmdName := os.Args[1]
	cmd, ok := commands()[cmdName]
	if !ok {
		if err := writef(os.Stderr, "unknown command %q\n\n", cmdName); err != nil {
			logger.Error("print unknown command message failed", "error", err)
		}
		if err := printUsage(os.Stdout); err != nil {
			logger.Error("print usage failed", "error", err)
		}
		os.Exit(2) //nolint:forbidigo // CLI must exit with failure status when command is unknown
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(context.Background(), "load config", "error", err)
		os.Exit(1) //nolint:forbidigo // CLI must signal configuration load failure to shell scripts
	}

	cmdCtx := &commandContext{
		Ctx:    context.Background(),
		Logger: logger,
		Config: cfg,
		Out:    os.Stdout,
	}
	if runErr := cmd.run(cmdCtx, os.Args[2:]); runErr != nil {
		logger.ErrorContext(cmdCtx.Ctx, "command failed", "command", cmdName, "error", runErr)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func commands() map[string]command {
	return map[string]command{
		"submit": {
			name:        "submit",
			description: "Submit an export job for one or more items",
			run:         runSubmit,
		},
		"status": {
			name:        "status",
			description: "Show the status of an export job",
			run:         runStatus,
		},
		"cancel": {
			name:        "cancel",
			description: "Cancel a pending or processing export job",
			run:         runCancel,
		},
		"retry": {
			name:        "retry",
			description: "Re-queue a failed export job at high priority",
			run:         runRetry,
		},
		"list": {
			name:        "list",
			description: "List export jobs, newest first",
			run:         runList,
		},
		"artifacts": {
			name:        "artifacts",
			description: "List a completed job's artifacts or download one",
			run:         runArtifacts,
		},
		"watch": {
			name:        "watch",
			description: "Follow a job's progress until it reaches a terminal state",
			run:         runWatch,
		},
		"stats": {
			name:        "stats",
			description: "Show queue occupancy and job counts by status",
			run:         runStats,
		},
		"pause": {
			name:        "pause",
			description: "Pause queue delivery; in-flight jobs finish",
			run:         runPause,
		},
		"resume": {
			name:        "resume",
			description: "Resume queue delivery",
			run:         runResume,
		},
		"sweep": {
			name:        "sweep",
			description: "Run one artifact expiration sweep and exit",
			run:         runSweep,
		},
		"seed": {
			name:        "seed",
			description: "Store sample images and submit demo export jobs",
			run:         runSeed,
		},
		"migrate": {
			name:        "migrate",
			description: "Run database migrations",
			run:         runMigrations,
		},
	}
}

func printUsage(w io.Writer) error {
	if err := writef(w, "Usage: exportd-admin <command> [flags]\n\n"); err != nil {
		return err
	}
	if err := writef(w, "Available commands:\n"); err != nil {
		return err
	}
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := cmds[name]
		if err := writef(w, "  %-12s %s\n", c.name, c.description); err != nil {
			return err
		}
	}
	return nil
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
