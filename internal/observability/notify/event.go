// Package notify defines terminal export failure notifications and the sinks
// that deliver them.
package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// ExportFailurePayload describes one export job that ended in failed.
type ExportFailurePayload struct {
	JobID      string
	OwnerID    string
	Kind       string
	ItemCount  int
	Attempts   int
	Reason     string
	ErrorClass string
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink delivers failure notifications.
type Sink interface {
	SendExportFailure(ctx context.Context, payload ExportFailurePayload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload ExportFailurePayload) error

// SendExportFailure implements Sink.
func (f SinkFunc) SendExportFailure(ctx context.Context, payload ExportFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
