package export

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/target/exportd/internal/domain/model"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 64

// AllJobs subscribes to events of every job.
const AllJobs = ""

// Broker fans progress events out to in-process subscribers. Slow subscribers
// lose events rather than blocking publishers; the job record stays the source
// of truth.
type Broker struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int

	published atomic.Int64
	dropped   atomic.Int64
}

// Subscription receives events for one job or for all jobs.
type Subscription struct {
	jobID  string
	events chan model.ProgressEvent
	broker *Broker
	once   sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan model.ProgressEvent {
	return s.events
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
	})
}

// NewBroker creates a broker; bufferSize <= 0 selects DefaultBufferSize.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe registers interest in jobID, or in every job when jobID is AllJobs.
func (b *Broker) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		jobID:  jobID,
		events: make(chan model.ProgressEvent, b.bufferSize),
		broker: b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*Subscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	return sub
}

// Publish delivers evt without blocking. It never fails.
func (b *Broker) Publish(_ context.Context, evt model.ProgressEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(b.subs[evt.JobID], evt)
	if evt.JobID != AllJobs {
		b.deliver(b.subs[AllJobs], evt)
	}
	return nil
}

func (b *Broker) deliver(subs map[*Subscription]struct{}, evt model.ProgressEvent) {
	for sub := range subs {
		select {
		case sub.events <- evt:
			b.published.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.subs[sub.jobID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
	close(sub.events)
}

// BrokerStats reports delivery counters.
type BrokerStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return BrokerStats{Subscribers: n, Published: b.published.Load(), Dropped: b.dropped.Load()}
}
