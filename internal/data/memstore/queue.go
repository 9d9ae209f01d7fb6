package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/exportd/internal/core"
	"github.com/target/exportd/internal/data"
	"github.com/target/exportd/internal/domain/model"
)

var _ core.Queue = (*Queue)(nil)

type queueItem struct {
	jobID        string
	rank         int
	seq          uint64
	enqueuedAt   time.Time
	visibleAt    time.Time
	token        string
	leasedBy     string
	leaseExpires time.Time
	deliveries   int
}

func (it *queueItem) leased(now time.Time) bool {
	return it.token != "" && !it.leaseExpires.Before(now)
}

func (it *queueItem) visible(now time.Time) bool {
	return !it.visibleAt.After(now) && !it.leased(now)
}

// before orders items by priority rank, then enqueue time, then sequence.
func (it *queueItem) before(other *queueItem) bool {
	if it.rank != other.rank {
		return it.rank < other.rank
	}
	if !it.enqueuedAt.Equal(other.enqueuedAt) {
		return it.enqueuedAt.Before(other.enqueuedAt)
	}
	return it.seq < other.seq
}

// Queue is an in-memory core.Queue with the same lease semantics as the
// durable backends.
type Queue struct {
	mu     sync.Mutex
	items  map[string]*queueItem
	tokens map[string]string
	seq    uint64
	paused bool
	wake   chan struct{}
	clock  data.TimeProvider
}

// NewQueue returns an empty Queue. A nil clock uses the system clock.
func NewQueue(clock data.TimeProvider) *Queue {
	if clock == nil {
		clock = data.RealTimeProvider{}
	}
	return &Queue{
		items:  make(map[string]*queueItem),
		tokens: make(map[string]string),
		wake:   make(chan struct{}),
		clock:  clock,
	}
}

// signal wakes every WaitForNotification caller. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Enqueue adds jobID. Enqueueing an already queued job is a no-op.
func (q *Queue) Enqueue(_ context.Context, jobID string, priority model.Priority, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.items[jobID]; exists {
		return nil
	}
	now := q.clock.Now()
	q.seq++
	at := now.Add(max(delay, 0))
	q.items[jobID] = &queueItem{
		jobID:      jobID,
		rank:       priority.Rank(),
		seq:        q.seq,
		enqueuedAt: at,
		visibleAt:  at,
	}
	if delay <= 0 {
		q.signal()
	}
	return nil
}

// Dequeue leases the next visible item.
func (q *Queue) Dequeue(_ context.Context, workerID string, lease time.Duration) (*model.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, model.ErrQueueEmpty
	}
	now := q.clock.Now()
	var next *queueItem
	for _, it := range q.items {
		if it.visible(now) && (next == nil || it.before(next)) {
			next = it
		}
	}
	if next == nil {
		return nil, model.ErrQueueEmpty
	}

	if next.token != "" {
		delete(q.tokens, next.token)
	}
	next.token = uuid.NewString()
	next.leasedBy = workerID
	next.leaseExpires = now.Add(lease)
	next.deliveries++
	q.tokens[next.token] = next.jobID

	return &model.Lease{
		JobID:      next.jobID,
		Token:      next.token,
		WorkerID:   workerID,
		Priority:   model.PriorityFromRank(next.rank),
		ExpiresAt:  next.leaseExpires,
		Deliveries: next.deliveries,
	}, nil
}

func (q *Queue) byToken(token string) *queueItem {
	jobID, ok := q.tokens[token]
	if !ok {
		return nil
	}
	return q.items[jobID]
}

// ExtendLease pushes the lease expiry out by lease from now.
func (q *Queue) ExtendLease(_ context.Context, token string, lease time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.byToken(token)
	if it == nil {
		return false, nil
	}
	it.leaseExpires = q.clock.Now().Add(lease)
	return true, nil
}

// Release acks or re-queues the item held by token.
func (q *Queue) Release(_ context.Context, token string, outcome model.ReleaseOutcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.byToken(token)
	if it == nil {
		return model.ErrLeaseLost
	}
	delete(q.tokens, token)

	switch outcome.Kind {
	case model.ReleaseAck:
		delete(q.items, it.jobID)
	case model.ReleaseRetry:
		at := q.clock.Now().Add(max(outcome.Delay, 0))
		it.token = ""
		it.leasedBy = ""
		it.leaseExpires = time.Time{}
		it.enqueuedAt = at
		it.visibleAt = at
		if outcome.Delay <= 0 {
			q.signal()
		}
	default:
		q.tokens[token] = it.jobID
		return fmt.Errorf("unknown release kind %q", outcome.Kind)
	}
	return nil
}

// Remove deletes the item for jobID unless a live lease holds it.
func (q *Queue) Remove(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[jobID]
	if !ok {
		return false, model.ErrNotQueued
	}
	if it.leased(q.clock.Now()) {
		return false, nil
	}
	if it.token != "" {
		delete(q.tokens, it.token)
	}
	delete(q.items, jobID)
	return true, nil
}

// WaitForNotification blocks until an item becomes visible through Enqueue,
// Release or Resume, or until ctx is done.
func (q *Queue) WaitForNotification(ctx context.Context) error {
	q.mu.Lock()
	wake := q.wake
	q.mu.Unlock()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports waiting, delayed and actively leased items.
func (q *Queue) Stats(_ context.Context) (*model.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	st := &model.QueueStats{Paused: q.paused}
	for _, it := range q.items {
		switch {
		case it.leased(now):
			st.Active++
		case it.visibleAt.After(now):
			st.Delayed++
		default:
			st.Waiting++
		}
	}
	return st, nil
}

// Pause stops Dequeue from handing out leases.
func (q *Queue) Pause(_ context.Context) error {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	return nil
}

// Resume re-enables Dequeue and wakes idle workers.
func (q *Queue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.signal()
	return nil
}
