// Package model defines the core data types shared by the export pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind determines whether a job produces an aggregate archive.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobKind string

// JobStatus represents the lifecycle state of an export job.
type JobStatus string

// Priority is the queue tier a job is delivered from.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Priority string

const (
	// JobKindSingle renders exactly one item and never aggregates.
	JobKindSingle JobKind = "single"
	// JobKindBatch renders several items and bundles them into an archive.
	JobKindBatch JobKind = "batch"
	// JobKindAggregate renders a whole collection into an archive.
	JobKindAggregate JobKind = "aggregate"

	// JobStatusPending indicates a job is queued and not yet leased.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker holds the job's lease.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates all artifacts were produced.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the attempt chain ended in failure.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by its owner.
	JobStatusCancelled JobStatus = "cancelled"

	// PriorityHigh is delivered before every other tier.
	PriorityHigh Priority = "high"
	// PriorityNormal is the default tier.
	PriorityNormal Priority = "normal"
	// PriorityLow is delivered last.
	PriorityLow Priority = "low"
)

// Failure reasons recorded by the worker pool.
const (
	ReasonTimeout           = "timeout"
	ReasonAggregationFailed = "aggregation_failed"
	ReasonLeaseExpired      = "lease_expired"
)

// ErrQueueEmpty is returned by Dequeue when no item is visible.
var ErrQueueEmpty = errors.New("no export jobs available")

// ErrLeaseLost is returned when a lease token no longer owns its queue item.
var ErrLeaseLost = errors.New("lease lost")

// ErrNotQueued is returned by Remove when the queue holds no item for the job.
var ErrNotQueued = errors.New("export job is not queued")

// Valid returns true if the JobKind is known.
func (k JobKind) Valid() bool {
	return k == JobKindSingle || k == JobKindBatch || k == JobKindAggregate
}

// NeedsAggregate reports whether jobs of this kind bundle artifacts into an archive.
func (k JobKind) NeedsAggregate() bool {
	return k == JobKindBatch || k == JobKindAggregate
}

// UnmarshalText implements encoding.TextUnmarshaler for JobKind.
func (k *JobKind) UnmarshalText(text []byte) error {
	v := JobKind(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobKind: %q", v)
	}
	*k = v
	return nil
}

// Valid returns true if the JobStatus is known.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves the status without an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid returns true if the Priority is known.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// UnmarshalText implements encoding.TextUnmarshaler for Priority.
func (p *Priority) UnmarshalText(text []byte) error {
	v := Priority(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid Priority: %q", v)
	}
	*p = v
	return nil
}

// Rank orders priorities for storage; lower ranks are delivered first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// PriorityFromRank is the inverse of Rank.
func PriorityFromRank(rank int) Priority {
	switch {
	case rank <= 1:
		return PriorityHigh
	case rank >= 10:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ExportJob is the persisted record of one export request.
type ExportJob struct {
	ID                 string         `json:"id"                             db:"id"`
	OwnerID            string         `json:"owner_id"                       db:"owner_id"`
	ItemRefs           []string       `json:"item_refs"                      db:"item_refs"`
	Kind               JobKind        `json:"kind"                           db:"kind"`
	RenderSettings     RenderSettings `json:"render_settings"                db:"render_settings"`
	Preset             *string        `json:"preset,omitempty"               db:"preset"`
	Priority           Priority       `json:"priority"                       db:"priority"`
	Status             JobStatus      `json:"status"                         db:"status"`
	Progress           int            `json:"progress"                       db:"progress"`
	AttemptCount       int            `json:"attempt_count"                  db:"attempt_count"`
	RetryBaseAttempts  int            `json:"retry_base_attempts"            db:"retry_base_attempts"`
	ArtifactRefs       []string       `json:"artifact_refs"                  db:"artifact_refs"`
	AggregateRef       *string        `json:"aggregate_ref,omitempty"        db:"aggregate_ref"`
	FailureReason      *string        `json:"failure_reason,omitempty"       db:"failure_reason"`
	CancelRequested    bool           `json:"cancel_requested"               db:"cancel_requested"`
	ProcessingTimeMs   *int64         `json:"processing_time_ms,omitempty"   db:"processing_time_ms"`
	StartedAt          *time.Time     `json:"started_at,omitempty"           db:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"         db:"completed_at"`
	ExpiresAt          *time.Time     `json:"expires_at,omitempty"           db:"expires_at"`
	ArtifactsRevokedAt *time.Time     `json:"artifacts_revoked_at,omitempty" db:"artifacts_revoked_at"`
	CreatedAt          time.Time      `json:"created_at"                     db:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"                     db:"updated_at"`
}

// ChainAttempts is the number of attempts since the last explicit retry.
func (j *ExportJob) ChainAttempts() int {
	n := j.AttemptCount - j.RetryBaseAttempts
	if n < 0 {
		return 0
	}
	return n
}

// Clone returns a deep copy so callers cannot alias slices held by a store.
func (j *ExportJob) Clone() *ExportJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.ItemRefs = append([]string(nil), j.ItemRefs...)
	cp.ArtifactRefs = append([]string(nil), j.ArtifactRefs...)
	cp.Preset = cloneString(j.Preset)
	cp.AggregateRef = cloneString(j.AggregateRef)
	cp.FailureReason = cloneString(j.FailureReason)
	cp.ProcessingTimeMs = cloneInt64(j.ProcessingTimeMs)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.ExpiresAt = cloneTime(j.ExpiresAt)
	cp.ArtifactsRevokedAt = cloneTime(j.ArtifactsRevokedAt)
	return &cp
}

// ArtifactsExpired reports whether artifact access is no longer allowed at now.
func (j *ExportJob) ArtifactsExpired(now time.Time) bool {
	if j.ArtifactsRevokedAt != nil {
		return true
	}
	return j.ExpiresAt != nil && now.After(*j.ExpiresAt)
}

// SubmitRequest represents a request to create a new export job.
type SubmitRequest struct {
	ID             string          `json:"id,omitempty"`
	OwnerID        string          `json:"owner_id"`
	ItemRefs       []string        `json:"item_refs"`
	Kind           JobKind         `json:"kind"`
	RenderSettings *RenderSettings `json:"render_settings,omitempty"`
	Preset         string          `json:"preset,omitempty"`
	Priority       Priority        `json:"priority,omitempty"`
}

// Validate validates the SubmitRequest fields. Render settings are validated
// separately once presets and defaults have been applied.
func (r *SubmitRequest) Validate(maxItems int) error {
	if r.ID != "" {
		if _, err := uuid.Parse(r.ID); err != nil {
			return errors.New("id must be a valid UUID")
		}
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if !r.Kind.Valid() {
		return errors.New("invalid job kind")
	}
	if len(r.ItemRefs) == 0 {
		return errors.New("at least one item is required")
	}
	if r.Kind == JobKindSingle && len(r.ItemRefs) != 1 {
		return errors.New("single exports take exactly one item")
	}
	if maxItems > 0 && len(r.ItemRefs) > maxItems {
		return fmt.Errorf("at most %d items per export", maxItems)
	}
	for i, ref := range r.ItemRefs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("item %d: reference is required", i)
		}
	}
	if r.Priority != "" && !r.Priority.Valid() {
		return errors.New("invalid priority")
	}
	return nil
}

// JobStatusView is the read model returned to status callers.
type JobStatusView struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	AttemptCount    int        `json:"attempt_count"`
	CancelRequested bool       `json:"cancel_requested"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// StatusView projects the job onto its status read model.
func (j *ExportJob) StatusView() *JobStatusView {
	return &JobStatusView{
		ID:              j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		AttemptCount:    j.AttemptCount,
		CancelRequested: j.CancelRequested,
		FailureReason:   cloneString(j.FailureReason),
		StartedAt:       cloneTime(j.StartedAt),
		CompletedAt:     cloneTime(j.CompletedAt),
		ExpiresAt:       cloneTime(j.ExpiresAt),
	}
}

// ArtifactSet lists the retrievable outputs of a completed job.
type ArtifactSet struct {
	JobID        string    `json:"job_id"`
	ArtifactRefs []string  `json:"artifact_refs"`
	AggregateRef *string   `json:"aggregate_ref,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CancelOutcome describes what a cancel request achieved.
type CancelOutcome string

const (
	// CancelOutcomeCancelled means the job reached cancelled immediately.
	CancelOutcomeCancelled CancelOutcome = "cancelled"
	// CancelOutcomeRequested means an in-flight worker will stop at the next item boundary.
	CancelOutcomeRequested CancelOutcome = "cancel_requested"
)

// CancelResult is returned by cancel requests.
type CancelResult struct {
	JobID   string        `json:"job_id"`
	Outcome CancelOutcome `json:"outcome"`
}

// ProgressEvent is published whenever a job's observable state changes.
type ProgressEvent struct {
	JobID        string    `json:"job_id"`
	OwnerID      string    `json:"owner_id"`
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	AttemptCount int       `json:"attempt_count"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneInt64(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
