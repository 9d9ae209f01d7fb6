package failurenotifier

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/observability/notify"
)

type capture struct {
	mu       sync.Mutex
	payloads []notify.ExportFailurePayload
}

func (c *capture) sink() notify.Sink {
	return notify.SinkFunc(func(_ context.Context, p notify.ExportFailurePayload) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.payloads = append(c.payloads, p)
		return nil
	})
}

func TestServiceNotifyExportFailure(t *testing.T) {
	var a, b capture
	svc := NewService(Options{Sinks: []SinkRegistration{
		{Name: "a", Sink: a.sink()},
		{Sink: b.sink()},
		{Name: "nil"},
	}})
	require.True(t, svc.Enabled())

	svc.NotifyExportFailure(context.Background(), notify.ExportFailurePayload{JobID: "123", Kind: "batch"})

	require.Len(t, a.payloads, 1)
	require.Len(t, b.payloads, 1)
	assert.Equal(t, notify.SeverityCritical, a.payloads[0].Severity)
	assert.False(t, a.payloads[0].OccurredAt.IsZero())
}

func TestServiceDisabled(t *testing.T) {
	assert.False(t, NewService(Options{}).Enabled())
	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
	nilSvc.NotifyExportFailure(context.Background(), notify.ExportFailurePayload{})
}

func TestServiceLogsErrors(t *testing.T) {
	var ok capture
	svc := NewService(Options{Sinks: []SinkRegistration{
		{Name: "fail", Sink: notify.SinkFunc(func(context.Context, notify.ExportFailurePayload) error {
			return errors.New("boom")
		})},
		{Name: "ok", Sink: ok.sink()},
	}})

	svc.NotifyExportFailure(context.Background(), notify.ExportFailurePayload{JobID: "123"})
	assert.Len(t, ok.payloads, 1, "one failing sink does not block the others")
}

func TestServiceSkipsConfiguredClasses(t *testing.T) {
	var c capture
	svc := NewService(Options{
		Sinks:       []SinkRegistration{{Name: "capture", Sink: c.sink()}},
		SkipErrorClasses: []string{"validation"},
	})

	svc.NotifyExportFailure(context.Background(), notify.ExportFailurePayload{JobID: "x", ErrorClass: "validation"})
	assert.Empty(t, c.payloads)
}

func TestServiceSurvivesCancelledCaller(t *testing.T) {
	var c capture
	svc := NewService(Options{Sinks: []SinkRegistration{{Name: "capture", Sink: notify.SinkFunc(
		func(ctx context.Context, p notify.ExportFailurePayload) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.sink().SendExportFailure(ctx, p)
		})}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.NotifyExportFailure(ctx, notify.ExportFailurePayload{JobID: "late"})
	assert.Len(t, c.payloads, 1)
}
