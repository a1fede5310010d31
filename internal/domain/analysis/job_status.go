package analysis

import "fmt"

// JobStatus represents the current state of an analysis job. It enables tracking
// of the job lifecycle from submission through completion, cancellation or failure.
type JobStatus string

const (
	// JobStatusQueued indicates a job has been submitted but not yet picked up by a worker.
	JobStatusQueued JobStatus = "QUEUED"

	// JobStatusRunning indicates a worker is actively processing the job's batches.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusPaused indicates the job was suspended at a batch boundary and can be resumed.
	JobStatusPaused JobStatus = "PAUSED"

	// JobStatusCompleted indicates every batch finished successfully.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusCancelled indicates a cancellation request was honored at a batch boundary.
	JobStatusCancelled JobStatus = "CANCELLED"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "QUEUED":
		return JobStatusQueued
	case "RUNNING":
		return JobStatusRunning
	case "PAUSED":
		return JobStatusPaused
	case "COMPLETED":
		return JobStatusCompleted
	case "CANCELLED":
		return JobStatusCancelled
	case "FAILED":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// IsTerminal reports whether the status is absorbing: no further batch
// execution occurs once a job reaches it.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled || s == JobStatusFailed
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// It enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		// From Queued, a worker acquisition moves the job to Running.
		return target == JobStatusRunning
	case JobStatusRunning:
		// From Running, the controller can pause at a batch boundary or
		// finish in any terminal state.
		return target == JobStatusPaused ||
			target == JobStatusCompleted ||
			target == JobStatusCancelled ||
			target == JobStatusFailed
	case JobStatusPaused:
		// A paused job resumes onto a worker, or is cancelled without ever
		// re-entering the batch loop.
		return target == JobStatusRunning || target == JobStatusCancelled
	case JobStatusCompleted, JobStatusCancelled, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
