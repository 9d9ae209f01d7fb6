package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	redisadapter "github.com/target/exportd/internal/adapters/redis"
	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
	"github.com/target/exportd/internal/service"
	"github.com/target/exportd/internal/util"
)

type submitOptions struct {
	ID       string
	Owner    string
	Kind     string
	Preset   string
	Priority string
	Format   string
	Quality  int
	Width    int
	Height   int
	Scale    float64
	Items    []string
}

func parseSubmitFlags(args []string) (model.SubmitRequest, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitOptions
	fs.StringVar(&opts.ID, "id", "", "Client-supplied job UUID (optional)")
	fs.StringVar(&opts.Owner, "owner", "", "Owner of the job (required)")
	fs.StringVar(&opts.Kind, "kind", "", "Job kind: single, batch or aggregate (default: single for one item, batch otherwise)")
	fs.StringVar(&opts.Preset, "preset", "", "Named render preset")
	fs.StringVar(&opts.Priority, "priority", string(model.PriorityNormal), "Queue priority: high, normal or low")
	fs.StringVar(&opts.Format, "format", "", "Image format: png or jpeg")
	fs.IntVar(&opts.Quality, "quality", 0, "Encoder quality 1-100")
	fs.IntVar(&opts.Width, "width", 0, "Output width in pixels")
	fs.IntVar(&opts.Height, "height", 0, "Output height in pixels")
	fs.Float64Var(&opts.Scale, "scale", 0, "Render scale 1-4")

	if err := fs.Parse(args); err != nil {
		return model.SubmitRequest{}, err
	}
	opts.Items = fs.Args()
	if len(opts.Items) == 0 {
		return model.SubmitRequest{}, errors.New("at least one item reference is required")
	}

	req := model.SubmitRequest{
		ID:       strings.TrimSpace(opts.ID),
		OwnerID:  strings.TrimSpace(opts.Owner),
		ItemRefs: opts.Items,
		Preset:   strings.TrimSpace(opts.Preset),
	}

	kind := opts.Kind
	if kind == "" {
		kind = string(model.JobKindSingle)
		if len(opts.Items) > 1 {
			kind = string(model.JobKindBatch)
		}
	}
	if err := req.Kind.UnmarshalText([]byte(kind)); err != nil {
		return model.SubmitRequest{}, err
	}
	if err := req.Priority.UnmarshalText([]byte(opts.Priority)); err != nil {
		return model.SubmitRequest{}, err
	}

	settings := model.RenderSettings{
		Format:  model.ImageFormat(strings.ToLower(strings.TrimSpace(opts.Format))),
		Quality: opts.Quality,
		Width:   opts.Width,
		Height:  opts.Height,
		Scale:   opts.Scale,
	}
	if settings != (model.RenderSettings{}) {
		req.RenderSettings = &settings
	}
	return req, nil
}

func runSubmit(cmdCtx *commandContext, args []string) error {
	req, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		job, err := env.services.Export.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		return printJobSummary(cmdCtx.Out, job)
	})
}

type jobIDOptions struct {
	JobID string
	JSON  bool
}

func parseJobIDFlags(name string, args []string) (jobIDOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobIDOptions
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return jobIDOptions{}, err
	}
	if fs.NArg() != 1 {
		return jobIDOptions{}, fmt.Errorf("%s requires exactly one job id", name)
	}
	opts.JobID = strings.TrimSpace(fs.Arg(0))
	if opts.JobID == "" {
		return jobIDOptions{}, errors.New("job id must not be empty")
	}
	return opts, nil
}

func runStatus(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("status", args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		view, err := env.services.Export.GetStatus(ctx, opts.JobID)
		if err != nil {
			return err
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, view)
		}
		return printStatusView(cmdCtx.Out, view)
	})
}

func runCancel(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("cancel", args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		res, err := env.services.Export.Cancel(ctx, opts.JobID)
		if err != nil {
			return err
		}
		if opts.JSON {
			return printJSON(cmdCtx.Out, res)
		}
		return writef(cmdCtx.Out, "Job %s: %s\n", res.JobID, res.Outcome)
	})
}

func runRetry(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobIDFlags("retry", args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		if err := env.services.Export.Retry(ctx, opts.JobID); err != nil {
			return err
		}
		return writef(cmdCtx.Out, "Job %s re-queued at high priority\n", opts.JobID)
	})
}

type listOptions struct {
	Owner  string
	Status string
	Limit  int
	Offset int
	JSON   bool
}

func parseListFlags(args []string) (model.JobListOptions, bool, error) {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts listOptions
	fs.StringVar(&opts.Owner, "owner", "", "Filter by owner")
	fs.StringVar(&opts.Status, "status", "", "Filter by status")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to display")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")
	if err := fs.Parse(args); err != nil {
		return model.JobListOptions{}, false, err
	}
	if opts.Limit <= 0 {
		return model.JobListOptions{}, false, errors.New("--limit must be greater than zero")
	}
	if opts.Offset < 0 {
		return model.JobListOptions{}, false, errors.New("--offset must not be negative")
	}

	listOpts := model.JobListOptions{Limit: opts.Limit, Offset: opts.Offset}
	if owner := strings.TrimSpace(opts.Owner); owner != "" {
		listOpts.OwnerID = &owner
	}
	if s := strings.ToLower(strings.TrimSpace(opts.Status)); s != "" {
		status := model.JobStatus(s)
		if !status.Valid() {
			return model.JobListOptions{}, false, fmt.Errorf("invalid status %q", s)
		}
		listOpts.Status = &status
	}
	return listOpts, opts.JSON, nil
}

func runList(cmdCtx *commandContext, args []string) error {
	listOpts, asJSON, err := parseListFlags(args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		jobs, err := env.services.Export.List(ctx, listOpts)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmdCtx.Out, jobs)
		}
		return renderJobTable(cmdCtx.Out, jobs)
	})
}

type artifactsOptions struct {
	JobID  string
	Ref    string
	Output string
}

func parseArtifactsFlags(args []string) (artifactsOptions, error) {
	fs := flag.NewFlagSet("artifacts", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts artifactsOptions
	fs.StringVar(&opts.Ref, "download", "", "Artifact or archive reference to download")
	fs.StringVar(&opts.Output, "o", "", "Output file for --download (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return artifactsOptions{}, err
	}
	if fs.NArg() != 1 {
		return artifactsOptions{}, errors.New("artifacts requires exactly one job id")
	}
	opts.JobID = strings.TrimSpace(fs.Arg(0))
	if opts.Output != "" && opts.Ref == "" {
		return artifactsOptions{}, errors.New("-o requires --download")
	}
	return opts, nil
}

func runArtifacts(cmdCtx *commandContext, args []string) error {
	opts, err := parseArtifactsFlags(args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		if opts.Ref == "" {
			set, err := env.services.Export.GetArtifacts(ctx, opts.JobID)
			if err != nil {
				return err
			}
			return printArtifactSet(cmdCtx.Out, set)
		}
		return downloadArtifact(ctx, cmdCtx.Out, env.services.Export, opts)
	})
}

func downloadArtifact(ctx context.Context, stdout io.Writer, svc *service.ExportService, opts artifactsOptions) (err error) {
	rc, err := svc.OpenArtifact(ctx, opts.JobID, opts.Ref)
	if err != nil {
		return err
	}
	defer rc.Close()

	dst := stdout
	if opts.Output != "" {
		f, ferr := os.Create(opts.Output)
		if ferr != nil {
			return fmt.Errorf("create output file: %w", ferr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close output file: %w", cerr)
			}
		}()
		dst = f
	}
	if _, err = io.Copy(dst, rc); err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	return nil
}

func runStats(cmdCtx *commandContext, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		stats, err := env.services.Export.Stats(ctx)
		if err != nil {
			return err
		}
		if *asJSON {
			return printJSON(cmdCtx.Out, stats)
		}
		return printStats(cmdCtx.Out, stats)
	})
}

func runPause(cmdCtx *commandContext, _ []string) error {
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		if err := env.services.Export.PauseQueue(ctx); err != nil {
			return err
		}
		return writeln(cmdCtx.Out, "Queue paused")
	})
}

func runResume(cmdCtx *commandContext, _ []string) error {
	return withExport(cmdCtx, defaultCommandTimeout, func(ctx context.Context, env *exportEnv) error {
		if err := env.services.Export.ResumeQueue(ctx); err != nil {
			return err
		}
		return writeln(cmdCtx.Out, "Queue resumed")
	})
}

type watchOptions struct {
	JobID    string
	Interval time.Duration
	Timeout  time.Duration
}

func parseWatchFlags(args []string) (watchOptions, error) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := watchOptions{}
	fs.DurationVar(&opts.Interval, "interval", 2*time.Second, "Polling interval when Redis progress is not enabled")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Give up after this long (default: wait forever)")
	if err := fs.Parse(args); err != nil {
		return watchOptions{}, err
	}
	if fs.NArg() != 1 {
		return watchOptions{}, errors.New("watch requires exactly one job id")
	}
	if opts.Interval <= 0 {
		return watchOptions{}, errors.New("--interval must be greater than zero")
	}
	opts.JobID = strings.TrimSpace(fs.Arg(0))
	return opts, nil
}

func runWatch(cmdCtx *commandContext, args []string) error {
	opts, err := parseWatchFlags(args)
	if err != nil {
		return err
	}
	return withExport(cmdCtx, opts.Timeout, func(ctx context.Context, env *exportEnv) error {
		view, err := env.services.Export.GetStatus(ctx, opts.JobID)
		if err != nil {
			return err
		}
		if err := printProgressLine(cmdCtx.Out, view.Status, view.Progress, ""); err != nil {
			return err
		}
		if view.Status.Terminal() {
			return nil
		}

		if env.infra.RedisClient != nil && cmdCtx.Config.Export.RedisProgress {
			return watchRelay(ctx, cmdCtx, env, opts.JobID)
		}
		return watchPoll(ctx, cmdCtx.Out, env.services.Export, opts)
	})
}

// watchRelay follows events fanned out over Redis pub/sub.
func watchRelay(ctx context.Context, cmdCtx *commandContext, env *exportEnv, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		printErr error
		finished bool
	)
	relay := redisadapter.NewProgressRelay(env.infra.RedisClient, cmdCtx.Config.Export.ProgressPrefix, cmdCtx.Logger)
	err := relay.Run(ctx, jobID, core.ProgressPublisherFunc(func(_ context.Context, evt model.ProgressEvent) error {
		if printErr = printProgressLine(cmdCtx.Out, evt.Status, evt.Progress, evt.Message); printErr != nil {
			cancel()
			return printErr
		}
		if evt.Status.Terminal() {
			finished = true
			cancel()
		}
		return nil
	}))
	switch {
	case printErr != nil:
		return printErr
	case finished:
		return nil
	case err != nil && !errors.Is(err, context.Canceled):
		return err
	}
	return ctx.Err()
}

// watchPoll re-reads the job status until it is terminal.
func watchPoll(ctx context.Context, out io.Writer, svc *service.ExportService, opts watchOptions) error {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last *model.JobStatusView
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		view, err := svc.GetStatus(ctx, opts.JobID)
		if err != nil {
			return err
		}
		if last == nil || last.Status != view.Status || last.Progress != view.Progress {
			if err := printProgressLine(out, view.Status, view.Progress, ""); err != nil {
				return err
			}
		}
		if view.Status.Terminal() {
			return nil
		}
		last = view
	}
}

func printJobSummary(w io.Writer, job *model.ExportJob) error {
	if err := writef(w, "Submitted job %s\n", job.ID); err != nil {
		return err
	}
	return writef(w, "  owner=%s kind=%s items=%d priority=%s status=%s\n",
		job.OwnerID, job.Kind, len(job.ItemRefs), job.Priority, job.Status)
}

func printStatusView(w io.Writer, v *model.JobStatusView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := [][2]string{
		{"Job", v.ID},
		{"Status", string(v.Status)},
		{"Progress", fmt.Sprintf("%d%%", v.Progress)},
		{"Attempts", fmt.Sprintf("%d", v.AttemptCount)},
		{"Cancel requested", fmt.Sprintf("%t", v.CancelRequested)},
		{"Started", formatTimePtr(v.StartedAt)},
		{"Completed", formatTimePtr(v.CompletedAt)},
		{"Expires", formatTimePtr(v.ExpiresAt)},
	}
	if v.FailureReason != nil {
		rows = append(rows, [2]string{"Failure", *v.FailureReason})
	}
	for _, r := range rows {
		if err := writef(tw, "%s:\t%s\n", r[0], r[1]); err != nil {
			return fmt.Errorf("write status row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush status table: %w", err)
	}
	return nil
}

func renderJobTable(w io.Writer, jobs []*model.ExportJob) error {
	if len(jobs) == 0 {
		return writeln(w, "No export jobs found.")
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "ID\tOWNER\tKIND\tITEMS\tPRIORITY\tSTATUS\tPROGRESS\tATTEMPTS\tTIME\tCREATED (UTC)"); err != nil {
		return fmt.Errorf("write jobs header row: %w", err)
	}
	for _, j := range jobs {
		if err := writef(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d%%\t%d\t%s\t%s\n",
			j.ID, j.OwnerID, j.Kind, len(j.ItemRefs), j.Priority, j.Status,
			j.Progress, j.AttemptCount, util.FormatProcessingTime(j.ProcessingTimeMs), formatTimestamp(j.CreatedAt),
		); err != nil {
			return fmt.Errorf("write jobs row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush jobs table: %w", err)
	}
	return nil
}

func printArtifactSet(w io.Writer, set *model.ArtifactSet) error {
	if err := writef(w, "Artifacts for job %s (expire %s)\n", set.JobID, formatTimestamp(set.ExpiresAt)); err != nil {
		return err
	}
	for i, ref := range set.ArtifactRefs {
		if err := writef(w, "  [%d] %s\n", i, ref); err != nil {
			return err
		}
	}
	if set.AggregateRef != nil {
		return writef(w, "  archive %s\n", *set.AggregateRef)
	}
	return nil
}

func printStats(w io.Writer, s *model.JobStats) error {
	state := "running"
	if s.Queue.Paused {
		state = "paused"
	}
	if err := writef(w, "Queue (%s): waiting=%d delayed=%d active=%d\n",
		state, s.Queue.Waiting, s.Queue.Delayed, s.Queue.Active); err != nil {
		return err
	}
	return writef(w, "Jobs: pending=%d processing=%d completed=%d failed=%d cancelled=%d total=%d\n",
		s.Pending, s.Processing, s.Completed, s.Failed, s.Cancelled, s.Total())
}

func printProgressLine(w io.Writer, status model.JobStatus, progress int, msg string) error {
	line := fmt.Sprintf("%s %-10s %3d%%", time.Now().UTC().Format(time.TimeOnly), status, progress)
	if msg != "" {
		line += "  " + msg
	}
	return writeln(w, line)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTimestamp(*t)
}
