package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRetryPolicy(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p, err := NewRetryPolicy(4, time.Second, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 4, p.MaxAttempts)
	})

	t.Run("max below base", func(t *testing.T) {
		_, err := NewRetryPolicy(3, time.Minute, time.Second)
		require.ErrorIs(t, err, ErrInvalidRetryPolicy)
	})

	t.Run("attempts clamp to one", func(t *testing.T) {
		p, err := NewRetryPolicy(0, time.Second, time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, p.MaxAttempts)
	})
}

func TestShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))
	assert.False(t, ShouldRetry(5, 3))
}

func TestBackoffDelay_StrictlyIncreasingUntilCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, Base: 2 * time.Second, Max: 30 * time.Second}

	assert.Equal(t, 2*time.Second, p.BackoffDelay(1))
	assert.Equal(t, 4*time.Second, p.BackoffDelay(2))
	assert.Equal(t, 8*time.Second, p.BackoffDelay(3))
	assert.Equal(t, 16*time.Second, p.BackoffDelay(4))
	assert.Equal(t, 30*time.Second, p.BackoffDelay(5))
	assert.Equal(t, 30*time.Second, p.BackoffDelay(500))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 4; attempt++ {
		d := p.BackoffDelay(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestBackoffDelay_ClampsLowAttempts(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.Base, p.BackoffDelay(0))
	assert.Equal(t, p.Base, p.BackoffDelay(-3))
	assert.Zero(t, RetryPolicy{}.BackoffDelay(2))
}
