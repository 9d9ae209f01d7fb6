//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobKind_UnmarshalText(t *testing.T) {
	var k JobKind
	require.NoError(t, k.UnmarshalText([]byte(" Batch ")))
	assert.Equal(t, JobKindBatch, k)
	assert.True(t, k.NeedsAggregate())
	assert.False(t, JobKindSingle.NeedsAggregate())
	assert.Error(t, k.UnmarshalText([]byte("zip")))
}

func TestPriority_RankRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		assert.Equal(t, p, PriorityFromRank(p.Rank()))
	}
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
}

func TestSubmitRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      SubmitRequest
		maxItems int
		errorMsg string
	}{
		{
			name:     "valid batch",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindBatch, ItemRefs: []string{"a", "b"}},
			maxItems: 10,
		},
		{
			name:     "missing owner",
			req:      SubmitRequest{Kind: JobKindBatch, ItemRefs: []string{"a"}},
			errorMsg: "owner id is required",
		},
		{
			name:     "unknown kind",
			req:      SubmitRequest{OwnerID: "u1", Kind: "zip", ItemRefs: []string{"a"}},
			errorMsg: "invalid job kind",
		},
		{
			name:     "no items",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindBatch},
			errorMsg: "at least one item is required",
		},
		{
			name:     "single with two items",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindSingle, ItemRefs: []string{"a", "b"}},
			errorMsg: "single exports take exactly one item",
		},
		{
			name:     "too many items",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindBatch, ItemRefs: []string{"a", "b", "c"}},
			maxItems: 2,
			errorMsg: "at most 2 items per export",
		},
		{
			name:     "blank item",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindBatch, ItemRefs: []string{"a", " "}},
			errorMsg: "item 1: reference is required",
		},
		{
			name:     "bad id",
			req:      SubmitRequest{ID: "nope", OwnerID: "u1", Kind: JobKindSingle, ItemRefs: []string{"a"}},
			errorMsg: "id must be a valid UUID",
		},
		{
			name:     "bad priority",
			req:      SubmitRequest{OwnerID: "u1", Kind: JobKindSingle, ItemRefs: []string{"a"}, Priority: "urgent"},
			errorMsg: "invalid priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(tt.maxItems)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.errorMsg, err.Error())
		})
	}
}

func TestRenderSettings_DefaultsAndValidate(t *testing.T) {
	s := RenderSettings{Format: "JPG", Quality: 70}.WithDefaults(DefaultRenderSettings())
	require.NoError(t, s.Validate())
	assert.Equal(t, ImageFormatJPG, s.Format)
	assert.Equal(t, 70, s.Quality)
	assert.Equal(t, 1290, s.Width)
	assert.Equal(t, "jpg", s.Extension())
	assert.Equal(t, "image/jpeg", s.ContentType())

	bad := DefaultRenderSettings()
	bad.Scale = 8
	assert.Error(t, bad.Validate())

	bad = DefaultRenderSettings()
	bad.Format = "gif"
	assert.Error(t, bad.Validate())
}

func TestPresetCatalog_Lookup(t *testing.T) {
	c := PresetCatalog{"Instagram-Story": {Format: ImageFormatJPEG, Width: 1080, Height: 1920}}
	s, ok := c.Lookup("instagram-story")
	require.True(t, ok)
	assert.Equal(t, 1080, s.Width)

	_, ok = c.Lookup("missing")
	assert.False(t, ok)
}

func TestJobStatus_Transitions(t *testing.T) {
	assert.True(t, JobStatusPending.CanTransitionTo(JobStatusProcessing))
	assert.True(t, JobStatusPending.CanTransitionTo(JobStatusCancelled))
	assert.True(t, JobStatusProcessing.CanTransitionTo(JobStatusCompleted))
	assert.True(t, JobStatusFailed.CanTransitionTo(JobStatusPending))
	assert.False(t, JobStatusPending.CanTransitionTo(JobStatusCompleted))
	assert.False(t, JobStatusCompleted.CanTransitionTo(JobStatusPending))
	assert.False(t, JobStatusCancelled.CanTransitionTo(JobStatusPending))

	err := CheckTransition(JobStatusCompleted, JobStatusFailed)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, JobStatusCompleted, te.From)
}

func TestExportJob_CloneAndExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	job := &ExportJob{
		ID:           "j1",
		ItemRefs:     []string{"a"},
		ArtifactRefs: []string{"x"},
		ExpiresAt:    &exp,
	}

	cp := job.Clone()
	cp.ArtifactRefs[0] = "changed"
	assert.Equal(t, "x", job.ArtifactRefs[0])

	assert.False(t, job.ArtifactsExpired(now))
	assert.False(t, job.ArtifactsExpired(exp), "expiry is strictly after expiresAt")
	assert.True(t, job.ArtifactsExpired(exp.Add(time.Nanosecond)))

	revoked := now
	job.ArtifactsRevokedAt = &revoked
	assert.True(t, job.ArtifactsExpired(now))
}

func TestExportJob_ChainAttempts(t *testing.T) {
	job := &ExportJob{AttemptCount: 5, RetryBaseAttempts: 3}
	assert.Equal(t, 2, job.ChainAttempts())
}
