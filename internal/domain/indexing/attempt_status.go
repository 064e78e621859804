package indexing

import "fmt"

// AttemptStatus represents the lifecycle state of an index attempt.
type AttemptStatus string

const (
	// AttemptStatusNotStarted indicates the attempt was created by the dispatcher
	// but no worker has picked it up.
	AttemptStatusNotStarted AttemptStatus = "NOT_STARTED"
	// AttemptStatusInProgress indicates a worker process is driving the attempt.
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	// AttemptStatusSuccess indicates the connector was exhausted without failures.
	AttemptStatusSuccess AttemptStatus = "SUCCESS"
	// AttemptStatusCanceled indicates the attempt was stopped before completion.
	AttemptStatusCanceled AttemptStatus = "CANCELED"
	// AttemptStatusFailed indicates the attempt was aborted by an error.
	AttemptStatusFailed AttemptStatus = "FAILED"
	// AttemptStatusCompletedWithErrors indicates the connector was exhausted but
	// some documents or entities failed along the way.
	AttemptStatusCompletedWithErrors AttemptStatus = "COMPLETED_WITH_ERRORS"
)

func (s AttemptStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptStatusSuccess, AttemptStatusCanceled, AttemptStatusFailed, AttemptStatusCompletedWithErrors:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the attempt exhausted its source.
func (s AttemptStatus) IsSuccessful() bool {
	return s == AttemptStatusSuccess || s == AttemptStatusCompletedWithErrors
}

// ParseAttemptStatus converts a string to an AttemptStatus.
func ParseAttemptStatus(s string) AttemptStatus {
	switch AttemptStatus(s) {
	case AttemptStatusNotStarted, AttemptStatusInProgress, AttemptStatusSuccess,
		AttemptStatusCanceled, AttemptStatusFailed, AttemptStatusCompletedWithErrors:
		return AttemptStatus(s)
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s AttemptStatus) ValidateTransition(target AttemptStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid attempt status transition from %s to %s", s, target)
	}
	return nil
}

func (s AttemptStatus) isValidTransition(target AttemptStatus) bool {
	switch s {
	case AttemptStatusNotStarted:
		// Monitors may fail or cancel an attempt that never started.
		return target == AttemptStatusInProgress ||
			target == AttemptStatusCanceled ||
			target == AttemptStatusFailed
	case AttemptStatusInProgress:
		return target.IsTerminal()
	default:
		return false
	}
}
