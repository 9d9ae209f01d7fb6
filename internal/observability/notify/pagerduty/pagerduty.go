// Package pagerduty triggers PagerDuty incidents for failed exports.
package pagerduty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/target/exportd/internal/observability/notify"
)

// APIEndpoint is the PagerDuty Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

// Config captures runtime configuration for the PagerDuty sink.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// Endpoint overrides APIEndpoint.
	Endpoint string
}

// Client publishes events via PagerDuty's Events API v2.
type Client struct {
	hook       notify.Webhook
	routingKey string
	source     string
	component  string
}

// NewClient constructs a PagerDuty events client. A routing key is required.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		hook: notify.Webhook{
			Name:       "pagerduty api",
			URL:        notify.Fallback(strings.TrimSpace(cfg.Endpoint), APIEndpoint),
			RetryLimit: cfg.RetryLimit,
			Client:     hc,
		},
		routingKey: key,
		source:     notify.Fallback(strings.TrimSpace(cfg.Source), "exportd"),
		component:  notify.Fallback(strings.TrimSpace(cfg.Component), "export-worker"),
	}, nil
}

// SendExportFailure submits a trigger event.
func (c *Client) SendExportFailure(ctx context.Context, payload notify.ExportFailurePayload) error {
	body, err := json.Marshal(c.buildEvent(payload))
	if err != nil {
		return fmt.Errorf("encode pagerduty payload: %w", err)
	}
	return c.hook.Post(ctx, body)
}

func (c *Client) buildEvent(payload notify.ExportFailurePayload) map[string]any {
	at := payload.OccurredAt.UTC()
	if payload.OccurredAt.IsZero() {
		at = time.Now().UTC()
	}

	custom := map[string]any{
		"job_id":      payload.JobID,
		"owner_id":    payload.OwnerID,
		"kind":        payload.Kind,
		"item_count":  payload.ItemCount,
		"attempts":    payload.Attempts,
		"reason":      payload.Reason,
		"error_class": payload.ErrorClass,
	}
	for k, v := range payload.Metadata {
		if _, exists := custom[k]; !exists {
			custom[k] = v
		}
	}

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		// One incident per job, however many attempts failed.
		"dedup_key": "export:" + notify.Fallback(payload.JobID, "unknown"),
		"payload": map[string]any{
			"summary": fmt.Sprintf("Export %s (%s) failed",
				notify.Fallback(payload.JobID, "unknown"), notify.Fallback(payload.Kind, "unknown")),
			"severity":       notify.Fallback(strings.ToLower(payload.Severity), notify.SeverityCritical),
			"source":         c.source,
			"component":      c.component,
			"timestamp":      at.Format(time.RFC3339),
			"custom_details": custom,
		},
	}
}
