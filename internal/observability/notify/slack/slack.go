// Package slack posts export failure notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/target/exportd/internal/observability/notify"
)

// Config captures the subset of Slack webhook behaviour we need.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix, when set, turns job ids into links (prefix + "/" + id).
	JobURLPrefix string
}

// Client delivers export failure notifications to Slack.
type Client struct {
	hook      notify.Webhook
	channel   string
	username  string
	jobPrefix string
}

// NewClient builds a Slack webhook client.
func NewClient(cfg Config) (*Client, error) {
	webhookURL := strings.TrimSpace(cfg.WebhookURL)
	if webhookURL == "" {
		return nil, errors.New("slack webhook url is required")
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
		hook:      notify.Webhook{Name: "slack webhook", URL: webhookURL, RetryLimit: cfg.RetryLimit, Client: hc},
		channel:   strings.TrimSpace(cfg.Channel),
		username:  notify.Fallback(strings.TrimSpace(cfg.Username), "exportd"),
		jobPrefix: strings.TrimSpace(cfg.JobURLPrefix),
	}, nil
}

// SendExportFailure posts a formatted message.
func (c *Client) SendExportFailure(ctx context.Context, payload notify.ExportFailurePayload) error {
	body, err := json.Marshal(c.formatMessage(payload))
	if err != nil {
		return fmt.Errorf("encode slack payload: %w", err)
	}
	return c.hook.Post(ctx, body)
}

func (c *Client) formatMessage(payload notify.ExportFailurePayload) map[string]any {
	at := payload.OccurredAt
	if at.IsZero() {
		at = time.Now()
	}

	var text strings.Builder
	text.WriteString("*Export failed*")
	if id := c.jobLabel(payload.JobID); id != "" {
		text.WriteString(" ")
		text.WriteString(id)
	}
	if payload.Kind != "" {
		fmt.Fprintf(&text, " (%s)", payload.Kind)
	}
	text.WriteByte('\n')

	field := func(label, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&text, "• %s: %s\n", label, escape(value))
	}
	field("Severity", notify.Fallback(payload.Severity, notify.SeverityCritical))
	field("Owner", payload.OwnerID)
	if payload.ItemCount > 0 {
		field("Items", strconv.Itoa(payload.ItemCount))
	}
	if payload.Attempts > 0 {
		field("Attempts", strconv.Itoa(payload.Attempts))
	}
	field("Error class", payload.ErrorClass)
	field("Reason", payload.Reason)

	if len(payload.Metadata) > 0 {
		text.WriteString("• Metadata:\n")
		keys := make([]string, 0, len(payload.Metadata))
		for k := range payload.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&text, "    • %s: %s\n", k, escape(payload.Metadata[k]))
		}
	}
	text.WriteString("• Timestamp: ")
	text.WriteString(at.UTC().Format(time.RFC3339))

	msg := map[string]any{
		"text":     text.String(),
		"username": c.username,
	}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

// jobLabel renders the job id, linked when a prefix is configured.
func (c *Client) jobLabel(jobID string) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return ""
	}
	code := "`" + escape(id) + "`"
	if c.jobPrefix == "" {
		return code
	}
	u, err := url.Parse(c.jobPrefix)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return code
	}
	link, err := url.JoinPath(u.String(), id)
	if err != nil {
		return code
	}
	return fmt.Sprintf("<%s|%s>", link, escape(id))
}

func escape(value string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(value)
}
