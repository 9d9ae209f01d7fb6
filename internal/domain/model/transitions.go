package model

import "fmt"

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusFailed:     {JobStatusPending},
	JobStatusCompleted:  nil,
	JobStatusCancelled:  nil,
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// processing -> processing covers automatic retries and crash recovery, which
// re-lease the job without a public state change.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected lifecycle move.
type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError when the move is not allowed.
func CheckTransition(from, to JobStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}
