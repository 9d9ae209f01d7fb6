package pagerduty

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestBuildEventDefaults(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key", Timeout: time.Second})
	require.NoError(t, err)

	event := client.buildEvent(notify.ExportFailurePayload{
		JobID:      "123",
		Kind:       "aggregate",
		Reason:     "aggregation_failed",
		ErrorClass: "transient",
		Metadata:   map[string]string{"worker_id": "w-1", "job_id": "ignored"},
	})

	assert.Equal(t, "export:123", event["dedup_key"])
	section, ok := event["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, notify.SeverityCritical, section["severity"])
	assert.Equal(t, "exportd", section["source"])
	assert.Equal(t, "export-worker", section["component"])
	assert.Equal(t, "Export 123 (aggregate) failed", section["summary"])

	custom, ok := section["custom_details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "123", custom["job_id"], "metadata never overrides canonical fields")
	assert.Equal(t, "w-1", custom["worker_id"])
	assert.Equal(t, "aggregation_failed", custom["reason"])
}

func TestSendExportFailure(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(Config{RoutingKey: "rk", Endpoint: srv.URL})
	require.NoError(t, err)
	require.NoError(t, client.SendExportFailure(context.Background(), notify.ExportFailurePayload{JobID: "j"}))
	assert.Equal(t, "rk", got["routing_key"])
	assert.Equal(t, "trigger", got["event_action"])
}
