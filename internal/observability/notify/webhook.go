package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response is quoted in the error.
const maxErrorBody = 2048

// Webhook posts JSON bodies with a bounded number of retries.
type Webhook struct {
	Name       string
	URL        string
	RetryLimit int
	Client     *http.Client
	// Backoff is the linear step between attempts; zero selects 200ms.
	Backoff time.Duration
}

// Post sends body, retrying transport errors and non-2xx responses.
func (w *Webhook) Post(ctx context.Context, body []byte) error {
	step := w.Backoff
	if step <= 0 {
		step = 200 * time.Millisecond
	}
	attempts := max(w.RetryLimit, 0) + 1

	var lastErr error
	for attempt := range attempts {
		if lastErr = w.post(ctx, body); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(time.Duration(attempt+1) * step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (w *Webhook) post(ctx context.Context, body []byte) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", w.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := w.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", w.Name, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close response body: %w", closeErr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return fmt.Errorf("read %s error response: %w", w.Name, readErr)
		}
		return fmt.Errorf("%s %s: %s", w.Name, resp.Status, strings.TrimSpace(string(msg)))
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain %s response body: %w", w.Name, err)
	}
	return nil
}

// Fallback returns value unless it is blank.
func Fallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
