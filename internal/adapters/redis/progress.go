package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/domain/model"
)

// DefaultProgressPrefix is the channel prefix progress events are published on.
const DefaultProgressPrefix = "exportd:progress:"

var _ core.ProgressPublisher = (*ProgressPublisher)(nil)

// ProgressPublisher publishes job progress on a per-job Redis channel so any
// process can follow a job.
type ProgressPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewProgressPublisher creates a publisher using prefix (DefaultProgressPrefix when empty).
func NewProgressPublisher(client redis.UniversalClient, prefix string) *ProgressPublisher {
	if prefix == "" {
		prefix = DefaultProgressPrefix
	}
	return &ProgressPublisher{client: client, prefix: prefix}
}

// Channel returns the channel events for jobID are published on.
func (p *ProgressPublisher) Channel(jobID string) string {
	return p.prefix + jobID
}

// Publish sends evt as JSON.
func (p *ProgressPublisher) Publish(ctx context.Context, evt model.ProgressEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if err = p.client.Publish(ctx, p.Channel(evt.JobID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish progress: %w", err)
	}
	return nil
}

// ProgressRelay forwards events from Redis into a local publisher, typically
// an export.Broker, so in-process subscribers see events from every worker.
type ProgressRelay struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewProgressRelay creates a relay listening on prefix (DefaultProgressPrefix when empty).
func NewProgressRelay(client redis.UniversalClient, prefix string, logger *slog.Logger) *ProgressRelay {
	if prefix == "" {
		prefix = DefaultProgressPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressRelay{client: client, prefix: prefix, logger: logger.With("component", "progress_relay")}
}

// Run relays events for jobID (every job when jobID is empty) until ctx is done.
func (r *ProgressRelay) Run(ctx context.Context, jobID string, dst core.ProgressPublisher) error {
	var sub *redis.PubSub
	if jobID == "" {
		sub = r.client.PSubscribe(ctx, r.prefix+"*")
	} else {
		sub = r.client.Subscribe(ctx, r.prefix+jobID)
	}
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe progress: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt model.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				r.logger.WarnContext(ctx, "dropping malformed progress event",
					"channel", msg.Channel, "error", err)
				continue
			}
			if evt.JobID == "" {
				evt.JobID = strings.TrimPrefix(msg.Channel, r.prefix)
			}
			if err := dst.Publish(ctx, evt); err != nil {
				r.logger.WarnContext(ctx, "relay publish failed", "job_id", evt.JobID, "error", err)
			}
		}
	}
}
