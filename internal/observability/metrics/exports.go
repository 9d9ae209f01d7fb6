// Package metrics defines the export pipeline's metric names and tags.
package metrics

import (
	"time"

	"github.com/target/exportd/internal/domain/model"
	obserrors "github.com/target/exportd/internal/observability/errors"
	"github.com/target/exportd/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Transitions tagged on export.transition.
const (
	TransitionStarted   = "started"
	TransitionCompleted = "completed"
	TransitionRetried   = "retried"
	TransitionFailed    = "failed"
	TransitionCancelled = "cancelled"
	// TransitionAbandoned marks attempts that lost their lease or fence.
	TransitionAbandoned = "abandoned"
)

// ExportMetric captures one lifecycle event of an export attempt.
type ExportMetric struct {
	Kind       model.JobKind
	Priority   model.Priority
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitExportLifecycle emits export.transition and, when a duration is known,
// export.duration.
func EmitExportLifecycle(sink statsd.Sink, in ExportMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"kind":       string(in.Kind),
		"priority":   string(in.Priority),
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("export.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("export.duration", in.Duration, CloneTags(tags))
	}
}

// EmitItemRendered records the render-and-store time of one item.
func EmitItemRendered(sink statsd.Sink, format model.ImageFormat, d time.Duration, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"format": string(format), "result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Timing("export.item.duration", d, tags)
}

// EmitQueueStats publishes queue occupancy gauges.
func EmitQueueStats(sink statsd.Sink, stats *model.QueueStats) {
	if sink == nil || stats == nil {
		return
	}
	sink.Gauge("queue.waiting", float64(stats.Waiting), nil)
	sink.Gauge("queue.delayed", float64(stats.Delayed), nil)
	sink.Gauge("queue.active", float64(stats.Active), nil)
	paused := 0.0
	if stats.Paused {
		paused = 1
	}
	sink.Gauge("queue.paused", paused, nil)
}

// EmitSweep records the outcome of one expiration sweep.
func EmitSweep(sink statsd.Sink, revoked, failed int, d time.Duration) {
	if sink == nil {
		return
	}
	sink.Count("sweeper.revoked", int64(revoked), nil)
	sink.Count("sweeper.failed", int64(failed), nil)
	sink.Timing("sweeper.duration", d, nil)
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
