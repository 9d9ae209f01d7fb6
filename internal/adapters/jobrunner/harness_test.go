package jobrunner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data/memstore"
	"github.com/target/exportd/internal/domain/export"
	"github.com/target/exportd/internal/domain/model"
	apperrors "github.com/target/exportd/internal/errors"
	"github.com/target/exportd/internal/observability/notify"
	"github.com/target/exportd/internal/observability/statsd"
	"github.com/target/exportd/internal/service/failurenotifier"
)

type renderFunc func(ctx context.Context, s model.RenderSettings, item string) ([]byte, error)

func (f renderFunc) Render(ctx context.Context, s model.RenderSettings, item string) ([]byte, error) {
	return f(ctx, s, item)
}

func okRender(_ context.Context, _ model.RenderSettings, item string) ([]byte, error) {
	return []byte("img:" + item), nil
}

// memStorage is an in-memory core.Storage with mem:// refs.
type memStorage struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
}

func newMemStorage() *memStorage {
	return &memStorage{blobs: make(map[string][]byte)}
}

func (m *memStorage) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := "mem://" + key
	m.blobs[ref] = b
	return ref, nil
}

func (m *memStorage) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, apperrors.NotFoundf("artifact %s not found", ref)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStorage) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, ref)
	m.deleted = append(m.deleted, ref)
	return nil
}

func (m *memStorage) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *memStorage) Has(ref string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ref]
	return ok
}

type harness struct {
	store   *memstore.Store
	queue   *memstore.Queue
	storage *memStorage
	broker  *export.Broker
	metrics *statsd.Recorder

	mu         sync.Mutex
	failures   []notify.ExportFailurePayload
	aggregated [][]string
}

func newHarness() *harness {
	return &harness{
		store:   memstore.NewStore(nil),
		queue:   memstore.NewQueue(nil),
		storage: newMemStorage(),
		broker:  export.NewBroker(256),
		metrics: &statsd.Recorder{},
	}
}

func (h *harness) aggregator() core.Aggregator {
	return core.AggregatorFunc(func(ctx context.Context, jobID, ownerID string, refs []string) (string, error) {
		h.mu.Lock()
		h.aggregated = append(h.aggregated, append([]string(nil), refs...))
		h.mu.Unlock()
		return h.storage.Put(ctx, core.ArchiveKey(ownerID, jobID), strings.NewReader("zip"), "application/zip")
	})
}

func (h *harness) Failures() []notify.ExportFailurePayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]notify.ExportFailurePayload(nil), h.failures...)
}

func (h *harness) runner(t *testing.T, render core.RenderEngine, mutate ...func(*RunnerOptions)) *Runner {
	t.Helper()
	opts := RunnerOptions{
		Jobs:       h.store,
		Queue:      h.queue,
		Render:     render,
		Storage:    h.storage,
		Aggregator: h.aggregator(),
		Progress:   h.broker,
		Metrics:    h.metrics,
		FailureNotifier: failurenotifier.NewService(failurenotifier.Options{
			Sinks: []failurenotifier.SinkRegistration{{
				Name: "capture",
				Sink: notify.SinkFunc(func(_ context.Context, p notify.ExportFailurePayload) error {
					h.mu.Lock()
					defer h.mu.Unlock()
					h.failures = append(h.failures, p)
					return nil
				}),
			}},
		}),
		PollInterval: 20 * time.Millisecond,
		Retry:        &export.RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Max: 4 * time.Millisecond},
		WorkerPrefix: "test",
	}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := NewRunner(opts)
	require.NoError(t, err)
	return r
}

func (h *harness) submit(t *testing.T, kind model.JobKind, priority model.Priority, items ...string) *model.ExportJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.store.Create(ctx, &model.ExportJob{
		OwnerID:        "owner-1",
		ItemRefs:       items,
		Kind:           kind,
		RenderSettings: model.DefaultRenderSettings(),
		Priority:       priority,
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, job.ID, priority, 0))
	return job
}

func (h *harness) get(t *testing.T, id string) *model.ExportJob {
	t.Helper()
	job, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

// runUntilSettled runs r until every job is terminal, then stops it.
func (h *harness) runUntilSettled(t *testing.T, r *Runner, ids ...string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := h.store.GetByID(context.Background(), id)
			if err != nil || !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	// Let the worker finish releasing its lease before stopping.
	require.Eventually(t, func() bool {
		st, err := h.queue.Stats(context.Background())
		return err == nil && st.Active == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func drain(sub *export.Subscription) []model.ProgressEvent {
	var out []model.ProgressEvent
	for {
		select {
		case evt := <-sub.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}
