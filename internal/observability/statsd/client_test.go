package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix, name, want string
	}{
		{"exportd", "export.transition", "exportd.export.transition"},
		{"", " queue/depth ", "queue_depth"},
		{"exportd", "foo..bar.", "exportd.foo.bar"},
		{"exportd", "  ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, qualify(tt.prefix, tt.name), "%q + %q", tt.prefix, tt.name)
	}
}

func TestFormatTags(t *testing.T) {
	t.Parallel()

	global := map[string]string{"env": "prod", " service ": " exportd "}
	local := map[string]string{"result": " success ", "": "ignored", "env": "stage"}

	assert.Equal(t, "|#env:stage,result:success,service:exportd", formatTags(global, local))
	assert.Empty(t, formatTags(nil, nil))
}

func TestClient_WritesLines(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	client, err := NewClient(Config{
		Enabled:    true,
		Address:    pc.LocalAddr().String(),
		Prefix:     ".exportd.",
		GlobalTags: map[string]string{"env": "test"},
	})
	require.NoError(t, err)
	defer client.Close()
	require.True(t, client.Enabled())

	client.Timing("export.duration", 1500*time.Microsecond, map[string]string{"kind": "batch"})

	buf := make([]byte, 256)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "exportd.export.duration:1.5|ms|#env:test,kind:batch", string(buf[:n]))
}

func TestClient_DisabledAndClose(t *testing.T) {
	t.Parallel()

	client, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, client.Enabled())
	client.Count("dropped", 1, nil)

	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()
	live := &Client{conn: clientConn}
	assert.True(t, live.Enabled())
	require.NoError(t, live.Close())
	assert.False(t, live.Enabled())
	require.NoError(t, live.Close())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	require.NoError(t, nilClient.Close())
	nilClient.Gauge("ignored", 1, nil)
}

func TestNewClient_DialError(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{Enabled: true, Address: "bad address"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statsd dial")
}

func TestRecorder_Find(t *testing.T) {
	t.Parallel()

	var r Recorder
	r.Count("export.transition", 1, map[string]string{"transition": "completed", "kind": "batch"})
	r.Count("export.transition", 1, map[string]string{"transition": "failed", "kind": "batch"})
	r.Gauge("queue.waiting", 3, nil)

	assert.Len(t, r.Find("export.transition", map[string]string{"kind": "batch"}), 2)
	got := r.Find("export.transition", map[string]string{"transition": "failed"})
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Kind)
	assert.Len(t, r.Samples(), 3)
}
