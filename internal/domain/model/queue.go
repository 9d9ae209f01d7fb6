package model

import "time"

// Lease is a time-bounded claim on one queued job.
type Lease struct {
	JobID     string    `json:"job_id"`
	Token     string    `json:"token"`
	WorkerID  string    `json:"worker_id"`
	Priority  Priority  `json:"priority"`
	ExpiresAt time.Time `json:"expires_at"`
	// Deliveries counts how many times the item has been leased, including this one.
	Deliveries int `json:"deliveries"`
}

// ReleaseKind selects what happens to a queue item when its lease is released.
type ReleaseKind string

const (
	// ReleaseAck removes the item from the queue.
	ReleaseAck ReleaseKind = "ack"
	// ReleaseRetry makes the item visible again after a delay.
	ReleaseRetry ReleaseKind = "retry"
)

// ReleaseOutcome is passed to Queue.Release.
type ReleaseOutcome struct {
	Kind  ReleaseKind
	Delay time.Duration
}

// Ack returns an outcome that drops the item.
func Ack() ReleaseOutcome {
	return ReleaseOutcome{Kind: ReleaseAck}
}

// RetryAfter returns an outcome that re-queues the item after delay.
func RetryAfter(delay time.Duration) ReleaseOutcome {
	if delay < 0 {
		delay = 0
	}
	return ReleaseOutcome{Kind: ReleaseRetry, Delay: delay}
}

// QueueStats summarises queue occupancy.
type QueueStats struct {
	Waiting int  `json:"waiting"`
	Delayed int  `json:"delayed"`
	Active  int  `json:"active"`
	Paused  bool `json:"paused"`
}

// JobStats combines queue occupancy with record counts by status.
type JobStats struct {
	Queue      QueueStats `json:"queue"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Cancelled  int        `json:"cancelled"`
}

// Total returns the number of job records counted.
func (s *JobStats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
}

// JobListOptions groups parameters for listing export jobs.
type JobListOptions struct {
	OwnerID *string    // Optional filter by owner
	Status  *JobStatus // Optional filter by status
	Limit   int        // Pagination limit
	Offset  int        // Pagination offset
}

// ExpiryCursor positions ListExpired strictly after a job already seen, in
// (expires_at, id) order. The zero value starts at the oldest expiry.
type ExpiryCursor struct {
	ExpiresAt time.Time
	ID        string
}

// ExpiryCursorAfter returns the cursor just past job.
func ExpiryCursorAfter(job *ExportJob) ExpiryCursor {
	c := ExpiryCursor{ID: job.ID}
	if job.ExpiresAt != nil {
		c.ExpiresAt = *job.ExpiresAt
	}
	return c
}

// Includes reports whether a job expiring at expiresAt with id sorts after c.
func (c ExpiryCursor) Includes(expiresAt time.Time, id string) bool {
	if !expiresAt.Equal(c.ExpiresAt) {
		return expiresAt.After(c.ExpiresAt)
	}
	return id > c.ID
}
