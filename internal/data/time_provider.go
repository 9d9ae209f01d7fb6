package data

import (
	"sync"
	"time"
)

// TimeProvider supplies the current time so stores and services can be tested
// against a controlled clock.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock in UTC.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now().UTC()
}

// FixedTimeProvider is a manually advanced clock, safe for concurrent use.
type FixedTimeProvider struct {
	mu  sync.RWMutex
	now time.Time
}

// NewFixedTimeProvider creates a FixedTimeProvider starting at t.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{now: t}
}

// Now returns the current fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// SetTime moves the clock to t.
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// AddTime advances the clock by d.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// resolveTimeProvider defaults nil to the system clock.
func resolveTimeProvider(tp TimeProvider) TimeProvider {
	if tp == nil {
		return RealTimeProvider{}
	}
	return tp
}
