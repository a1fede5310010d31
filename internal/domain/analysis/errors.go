package analysis

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound indicates the requested job id does not exist in the store.
	ErrJobNotFound = errors.New("analysis job not found")

	// ErrFileNotFound indicates the job's file reference does not resolve to an
	// ingested log file.
	ErrFileNotFound = errors.New("log file not found")

	// ErrVersionConflict indicates a save-with-version-check lost against a
	// concurrent write. Exactly one worker owns a job at a time, so a conflict
	// is an invariant breach rather than a retryable condition.
	ErrVersionConflict = errors.New("job record version conflict")
)

// InvalidSpecError indicates a job submission was rejected before a job was created.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid job spec: %s: %s", e.Field, e.Reason)
}

// InvalidStateError indicates a control operation is incompatible with the
// job's current status, e.g. pausing a job that already completed.
type InvalidStateError struct {
	JobID     uuid.UUID
	Status    JobStatus
	Operation string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in state %s", e.Operation, e.JobID, e.Status)
}

// BatchError wraps a failure from the Line Source or the classifier while
// processing a single batch. Retryable errors are eligible for the controller's
// bounded backoff; everything else is job-fatal immediately.
type BatchError struct {
	Batch     int
	Retryable bool
	Err       error
}

func (e *BatchError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("%s failure on batch %d: %v", kind, e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// NewTransientBatchError marks a batch failure as eligible for retry.
func NewTransientBatchError(batch int, err error) *BatchError {
	return &BatchError{Batch: batch, Retryable: true, Err: err}
}

// NewFatalBatchError marks a batch failure as unretryable.
func NewFatalBatchError(batch int, err error) *BatchError {
	return &BatchError{Batch: batch, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a BatchError flagged as transient.
func IsRetryable(err error) bool {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}
