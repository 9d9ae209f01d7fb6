// Package failurenotifier fans terminal export failures out to the configured
// notification sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/exportd/internal/observability/notify"
)

// SinkRegistration pairs a sink implementation with a name for logging.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// SendTimeout bounds each sink's delivery; zero selects 10s.
	SendTimeout time.Duration
	// SkipErrorClasses lists error classes that should not page anyone, such as
	// owner-caused validation failures.
	SkipErrorClasses []string
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger  *slog.Logger
	sinks   []SinkRegistration
	timeout time.Duration
	skip    map[string]struct{}
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		sinks = append(sinks, entry)
	}
	skip := make(map[string]struct{}, len(opts.SkipErrorClasses))
	for _, r := range opts.SkipErrorClasses {
		skip[r] = struct{}{}
	}

	return &Service{
		logger:  logger.With("component", "failure_notifier"),
		sinks:   sinks,
		timeout: timeout,
		skip:    skip,
	}
}

// NotifyExportFailure sends payload to every sink concurrently and waits for
// all of them. Delivery errors are logged, never returned.
func (s *Service) NotifyExportFailure(ctx context.Context, payload notify.ExportFailurePayload) {
	if s == nil || len(s.sinks) == 0 {
		return
	}
	if _, skipped := s.skip[payload.ErrorClass]; skipped {
		s.logger.DebugContext(ctx, "skipping failure notification",
			"job_id", payload.JobID,
			"error_class", payload.ErrorClass,
		)
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}

	// Detached so a worker shutting down still gets its page out.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendExportFailure(sendCtx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notifier delivery error",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
