package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(0)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(30 * time.Second)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		want    time.Duration
		source  LeaseSource
	}{
		{name: "explicit", request: 45 * time.Second, want: 45 * time.Second, source: LeaseSourceExplicit},
		{name: "zero uses default", request: 0, want: 30 * time.Second, source: LeaseSourceDefault},
		{name: "sub-second clamps", request: 500 * time.Millisecond, want: MinLease, source: LeaseSourceClamped},
		{name: "negative clamps", request: -time.Second, want: MinLease, source: LeaseSourceClamped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := policy.Resolve(tt.request)
			assert.Equal(t, tt.want, d.Duration)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.request, d.Requested)
		})
	}
}

func TestLeaseDecision_HeartbeatInterval(t *testing.T) {
	assert.Equal(t, 10*time.Second, LeaseDecision{Duration: 30 * time.Second}.HeartbeatInterval())
	assert.Equal(t, 100*time.Millisecond, LeaseDecision{Duration: 120 * time.Millisecond}.HeartbeatInterval())
}

func TestLeasePolicy_NilReceiver(t *testing.T) {
	var p *LeasePolicy
	assert.Zero(t, p.Default())
	assert.Equal(t, MinLease, p.Resolve(time.Hour).Duration)
}
