package analysis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ControlFlags is a snapshot of the persisted pause/cancel intent flags.
type ControlFlags struct {
	PauseRequested  bool
	CancelRequested bool
}

// JobRepository defines the persistence contract for analysis jobs.
// Save performs a version-checked write; a conflict surfaces as
// ErrVersionConflict and means another actor raced the owning worker.
type JobRepository interface {
	// CreateJob persists a newly submitted job.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob loads the full job record, including its version.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// SaveJob writes the controller-owned fields with a version check and
	// resets only the intent flags the job observed (see Job.FlagClears).
	SaveJob(ctx context.Context, job *Job) error

	// GetControlFlags reads the two intent flags without loading the record.
	GetControlFlags(ctx context.Context, jobID uuid.UUID) (ControlFlags, error)

	// RequestPause sets the persisted pause flag. It never touches the
	// record version, so it cannot race the controller's saves.
	RequestPause(ctx context.Context, jobID uuid.UUID) error

	// RequestCancel sets the persisted cancel flag, same write discipline
	// as RequestPause.
	RequestCancel(ctx context.Context, jobID uuid.UUID) error

	// ListJobsByStatus returns all jobs currently in any of the given states.
	// Used by the scheduler's startup recovery pass.
	ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error)
}

// LineBatch is one deterministic read from a log file.
type LineBatch struct {
	// StartLine is the absolute 0-based index of the first line in the batch.
	StartLine int64
	// Lines holds the batch content in file order.
	Lines []string
	// IsLast reports that this batch reaches the end of the file.
	IsLast bool
	// TotalLines is the file's line count, or -1 if not yet known.
	TotalLines int64
}

// LineHandle is an open, restartable reader over one ingested log file.
// ReadBatch must return identical content for identical (startLine, count)
// across calls so an interrupted batch can be safely redone.
type LineHandle interface {
	ReadBatch(ctx context.Context, startLine int64, count int) (LineBatch, error)
	Close() error
}

// LineSource opens ingested log files by their opaque file reference.
// Open fails with ErrFileNotFound when the reference is invalid.
type LineSource interface {
	Open(ctx context.Context, fileID string) (LineHandle, error)
}

// BatchClassifier invokes the external analysis capability over a batch of
// lines. Implementations carry their own bounded timeout; failures are
// reported through BatchError so the controller can tell transient from fatal.
type BatchClassifier interface {
	Classify(ctx context.Context, fileID string, startLine int64, lines []string) ([]Finding, error)
}

// AlertCreator materializes a finding in the external alerting system.
// Creation must tolerate at-least-once delivery of the same finding.
type AlertCreator interface {
	CreateAlert(ctx context.Context, jobID, orgID uuid.UUID, finding Finding) (uuid.UUID, error)
}

// LifecycleEvent describes a job lifecycle transition for downstream consumers.
type LifecycleEvent struct {
	JobID      uuid.UUID `json:"job_id"`
	OrgID      uuid.UUID `json:"org_id"`
	FileID     string    `json:"file_id"`
	Status     JobStatus `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// NewLifecycleEvent builds a LifecycleEvent from a job's current state.
func NewLifecycleEvent(job *Job, detail string) LifecycleEvent {
	return LifecycleEvent{
		JobID:      job.JobID(),
		OrgID:      job.OrgID(),
		FileID:     job.FileID(),
		Status:     job.Status(),
		OccurredAt: job.Timeline().LastUpdate(),
		Detail:     detail,
	}
}

// LifecycleNotifier publishes job lifecycle transitions. Publishing is
// best-effort: the engine logs failures but never fails a job over them.
type LifecycleNotifier interface {
	NotifyJobLifecycle(ctx context.Context, evt LifecycleEvent) error
}
