package export

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// MinLease is the shortest lease the queues accept.
const MinLease = time.Second

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was raised to MinLease.
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises lease durations for dequeues and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Duration  time.Duration
	Source    LeaseSource
	Requested time.Duration
}

// HeartbeatInterval is how often a holder should extend the lease so that two
// consecutive missed beats still leave it valid.
func (d LeaseDecision) HeartbeatInterval() time.Duration {
	iv := d.Duration / 3
	if iv < 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// Resolve normalises the requested duration; zero selects the default.
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	switch {
	case p == nil:
		decision.Duration = MinLease
		decision.Source = LeaseSourceClamped
	case request == 0:
		decision.Duration = p.defaultLease
		decision.Source = LeaseSourceDefault
	case request < MinLease:
		decision.Duration = MinLease
		decision.Source = LeaseSourceClamped
	default:
		decision.Duration = request
		decision.Source = LeaseSourceExplicit
	}
	if decision.Duration < MinLease {
		decision.Duration = MinLease
		decision.Source = LeaseSourceClamped
	}
	return decision
}
