// Package export holds the pure policies of the export pipeline: retry backoff,
// lease sizing, queue wake-ups and progress fan-out.
package export

import (
	"errors"
	"math"
	"time"
)

// Defaults mirror the export queue's historical behaviour.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
)

// ErrInvalidRetryPolicy indicates a non-positive base delay or a cap below it.
var ErrInvalidRetryPolicy = errors.New("retry policy requires 0 < base <= max")

// RetryPolicy decides whether a failed attempt is re-queued and after how long.
// Delay(attempt) = min(Base * 2^(attempt-1), Max).
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// NewRetryPolicy validates and returns a policy.
func NewRetryPolicy(maxAttempts int, base, maxDelay time.Duration) (RetryPolicy, error) {
	if base <= 0 || maxDelay < base {
		return RetryPolicy{}, ErrInvalidRetryPolicy
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Base: base, Max: maxDelay}, nil
}

// DefaultRetryPolicy returns 3 attempts with 2s exponential backoff capped at 5m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Base: DefaultBaseDelay, Max: DefaultMaxDelay}
}

// ShouldRetry reports whether another attempt is allowed after attemptCount attempts.
func ShouldRetry(attemptCount, maxAttempts int) bool {
	return attemptCount < maxAttempts
}

// ShouldRetry applies the package-level rule with the policy's attempt cap.
func (p RetryPolicy) ShouldRetry(attemptCount int) bool {
	return ShouldRetry(attemptCount, p.MaxAttempts)
}

// BackoffDelay returns the wait before the attempt following attemptCount.
// attemptCount is 1-indexed; values below 1 are treated as 1.
func (p RetryPolicy) BackoffDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	if p.Base <= 0 {
		return 0
	}
	// 2^62 overflows Duration long before this guard matters.
	exp := math.Min(float64(attemptCount-1), 62)
	d := float64(p.Base) * math.Pow(2, exp)
	if p.Max > 0 && d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
