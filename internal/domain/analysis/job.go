package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AllowedBatchSizes is the closed set of batch sizes a job may be submitted with.
var AllowedBatchSizes = []int{1, 5, 10, 25, 50, 100}

// IsAllowedBatchSize reports whether size is one of the permitted batch sizes.
func IsAllowedBatchSize(size int) bool {
	for _, s := range AllowedBatchSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Job is the unit of persisted, resumable analysis state. It tracks which
// batch of the log file the engine is on, the accumulated counters, and the
// externally settable pause/cancel intent flags.
//
// Only the controller owning the job mutates it; external actors communicate
// through the request flags, which the store writes independently of the
// controller's own version-checked saves.
type Job struct {
	jobID  uuid.UUID
	fileID string
	orgID  uuid.UUID
	userID uuid.UUID

	batchSize int
	status    JobStatus

	currentBatch   int
	totalBatches   int // -1 until the line count is known
	linesProcessed int64
	totalLines     int64 // -1 until the line count is known
	issuesFound    int
	alertsCreated  int

	pauseRequested  bool
	cancelRequested bool
	// clearPause/clearCancel mark observed signals the next save must reset.
	// The store clears only flags marked here so a signal raised after the
	// controller's read is never silently lost.
	clearPause  bool
	clearCancel bool

	estimatedEndTime time.Time
	errorMessage     string
	metadata         map[string]string

	timeline *Timeline
	version  int64
}

// JobOption defines functional options for configuring a new Job.
type JobOption func(*Job)

// WithTimeProvider sets a custom time provider for the job.
func WithTimeProvider(tp TimeProvider) JobOption {
	return func(j *Job) { j.timeline = NewTimeline(tp) }
}

// WithMetadata attaches a free-form diagnostic bag to the job.
func WithMetadata(md map[string]string) JobOption {
	return func(j *Job) { j.metadata = md }
}

// NewJob creates a queued analysis job for the given file and owner references.
// It fails with InvalidSpecError if the batch size is not in the allowed set.
func NewJob(jobID uuid.UUID, fileID string, orgID, userID uuid.UUID, batchSize int, opts ...JobOption) (*Job, error) {
	if fileID == "" {
		return nil, InvalidSpecError{Field: "fileId", Reason: "must not be empty"}
	}
	if !IsAllowedBatchSize(batchSize) {
		return nil, InvalidSpecError{Field: "batchSize", Reason: fmt.Sprintf("%d is not one of %v", batchSize, AllowedBatchSizes)}
	}

	job := &Job{
		jobID:        jobID,
		fileID:       fileID,
		orgID:        orgID,
		userID:       userID,
		batchSize:    batchSize,
		status:       JobStatusQueued,
		totalBatches: -1,
		totalLines:   -1,
		timeline:     NewTimeline(new(realTimeProvider)),
	}

	for _, opt := range opts {
		opt(job)
	}

	return job, nil
}

// ReconstructJob creates a Job from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	fileID string,
	orgID, userID uuid.UUID,
	batchSize int,
	status JobStatus,
	currentBatch int,
	totalBatches int,
	linesProcessed int64,
	totalLines int64,
	issuesFound int,
	alertsCreated int,
	pauseRequested bool,
	cancelRequested bool,
	estimatedEndTime time.Time,
	errorMessage string,
	metadata map[string]string,
	timeline *Timeline,
	version int64,
) *Job {
	return &Job{
		jobID:            jobID,
		fileID:           fileID,
		orgID:            orgID,
		userID:           userID,
		batchSize:        batchSize,
		status:           status,
		currentBatch:     currentBatch,
		totalBatches:     totalBatches,
		linesProcessed:   linesProcessed,
		totalLines:       totalLines,
		issuesFound:      issuesFound,
		alertsCreated:    alertsCreated,
		pauseRequested:   pauseRequested,
		cancelRequested:  cancelRequested,
		estimatedEndTime: estimatedEndTime,
		errorMessage:     errorMessage,
		metadata:         metadata,
		timeline:         timeline,
		version:          version,
	}
}

// JobID returns the unique identifier for this analysis job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// FileID returns the reference to the ingested log file being analyzed.
func (j *Job) FileID() string { return j.fileID }

// OrgID returns the owning organization reference.
func (j *Job) OrgID() uuid.UUID { return j.orgID }

// UserID returns the submitting user reference.
func (j *Job) UserID() uuid.UUID { return j.userID }

// BatchSize returns the number of lines analyzed per batch.
func (j *Job) BatchSize() int { return j.batchSize }

// Status returns the current lifecycle state of the job.
func (j *Job) Status() JobStatus { return j.status }

// CurrentBatch returns how many batches have been durably committed.
func (j *Job) CurrentBatch() int { return j.currentBatch }

// TotalBatches returns the batch count once the file's line count is known.
func (j *Job) TotalBatches() (int, bool) { return j.totalBatches, j.totalBatches >= 0 }

// LinesProcessed returns the number of lines covered by committed batches.
func (j *Job) LinesProcessed() int64 { return j.linesProcessed }

// TotalLines returns the file's line count once known.
func (j *Job) TotalLines() (int64, bool) { return j.totalLines, j.totalLines >= 0 }

// IssuesFound returns the accumulated finding count.
func (j *Job) IssuesFound() int { return j.issuesFound }

// AlertsCreated returns how many findings were materialized as alerts.
func (j *Job) AlertsCreated() int { return j.alertsCreated }

// PauseRequested reports the persisted pause intent flag.
func (j *Job) PauseRequested() bool { return j.pauseRequested }

// CancelRequested reports the persisted cancel intent flag.
func (j *Job) CancelRequested() bool { return j.cancelRequested }

// ErrorMessage returns the human-readable cause for a failed job.
func (j *Job) ErrorMessage() string { return j.errorMessage }

// Metadata returns the job's free-form diagnostic bag.
func (j *Job) Metadata() map[string]string { return j.metadata }

// Timeline provides access to the job's timing information.
func (j *Job) Timeline() *Timeline { return j.timeline }

// StartTime returns when the job first began executing.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when the job reached a terminal state.
// A job only has an end time if it is terminal.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// EstimatedEndTime returns the projected completion time. It is undefined
// until at least one batch committed and the total batch count is known.
func (j *Job) EstimatedEndTime() (time.Time, bool) {
	if j.estimatedEndTime.IsZero() {
		return time.Time{}, false
	}
	return j.estimatedEndTime, true
}

// Version returns the optimistic-concurrency version of the record.
func (j *Job) Version() int64 { return j.version }

// AdvanceVersion records a successful version-checked save.
// This should only be called by repositories.
func (j *Job) AdvanceVersion() { j.version++ }

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	// Mark the start time on the first transition into RUNNING. Resuming a
	// paused job goes through the same path but does not reset the start time.
	if newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
	}

	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	}

	j.status = newStatus
	j.timeline.UpdateLastUpdate()
	return nil
}

// Start transitions the job onto a worker. A queued job begins running, a
// paused job resumes, and a job found running after a crash stays running so
// the batch loop continues from the last committed batch.
func (j *Job) Start() error {
	if j.status == JobStatusRunning {
		return nil
	}
	return j.UpdateStatus(JobStatusRunning)
}

// SetControlFlags replaces the job's view of the persisted intent flags.
// The controller refreshes these from the store at each batch boundary.
func (j *Job) SetControlFlags(pause, cancel bool) {
	j.pauseRequested = pause
	j.cancelRequested = cancel
}

// AcknowledgePause honors a pause signal at a batch boundary: the job moves to
// PAUSED and the observed flag is scheduled to be cleared on the next save.
func (j *Job) AcknowledgePause() error {
	if err := j.UpdateStatus(JobStatusPaused); err != nil {
		return err
	}
	j.pauseRequested = false
	j.clearPause = true
	return nil
}

// AcknowledgeCancel honors a cancel signal. Valid from RUNNING (batch boundary)
// and from PAUSED (no batch execution resumes). Both intent flags are cleared:
// a stale pause request must not outlive a cancelled job.
func (j *Job) AcknowledgeCancel() error {
	if err := j.UpdateStatus(JobStatusCancelled); err != nil {
		return err
	}
	j.pauseRequested = false
	j.cancelRequested = false
	j.clearPause = true
	j.clearCancel = true
	return nil
}

// FlagClears reports which intent flags the next save must reset.
func (j *Job) FlagClears() (pause, cancel bool) { return j.clearPause, j.clearCancel }

// ResetFlagClears marks the pending flag resets as persisted.
// This should only be called by repositories after a successful save.
func (j *Job) ResetFlagClears() {
	j.clearPause = false
	j.clearCancel = false
}

// SetTotals records the file's line count on the first batch read and derives
// the total batch count. Once known, totals never change.
func (j *Job) SetTotals(totalLines int64) error {
	if totalLines < 0 {
		return fmt.Errorf("total lines must be non-negative, got %d", totalLines)
	}
	if j.totalLines >= 0 && j.totalLines != totalLines {
		return fmt.Errorf("total lines already known (%d), refusing change to %d", j.totalLines, totalLines)
	}

	j.totalLines = totalLines
	j.totalBatches = int((totalLines + int64(j.batchSize) - 1) / int64(j.batchSize))
	j.timeline.UpdateLastUpdate()
	return nil
}

// ApplyBatchResult commits one successful batch: counters advance
// monotonically and the completion estimate is recomputed.
func (j *Job) ApplyBatchResult(linesInBatch int, issues, alerts int) error {
	if j.status != JobStatusRunning {
		return InvalidStateError{JobID: j.jobID, Status: j.status, Operation: "commit batch for"}
	}
	if alerts > issues {
		return fmt.Errorf("alerts created (%d) cannot exceed issues found (%d)", alerts, issues)
	}
	if j.totalBatches >= 0 && j.currentBatch >= j.totalBatches {
		return fmt.Errorf("batch %d exceeds total batches %d", j.currentBatch+1, j.totalBatches)
	}

	j.currentBatch++
	j.linesProcessed += int64(linesInBatch)
	j.issuesFound += issues
	j.alertsCreated += alerts
	j.recomputeEstimate()
	j.timeline.UpdateLastUpdate()
	return nil
}

// recomputeEstimate projects the end time by extrapolating the average batch
// duration so far across the remaining batches.
func (j *Job) recomputeEstimate() {
	if j.currentBatch == 0 || j.totalBatches < 0 || j.timeline.StartedAt().IsZero() {
		return
	}
	elapsed := j.timeline.Now().Sub(j.timeline.StartedAt())
	projected := time.Duration(float64(elapsed) / float64(j.currentBatch) * float64(j.totalBatches))
	j.estimatedEndTime = j.timeline.StartedAt().Add(projected)
}

// AllBatchesDone reports whether every known batch has been committed.
func (j *Job) AllBatchesDone() bool {
	return j.totalBatches >= 0 && j.currentBatch == j.totalBatches
}

// Complete transitions a fully processed job to COMPLETED.
func (j *Job) Complete() error {
	if !j.AllBatchesDone() {
		return fmt.Errorf("job %s cannot complete: %d of %d batches done", j.jobID, j.currentBatch, j.totalBatches)
	}
	return j.UpdateStatus(JobStatusCompleted)
}

// Fail moves the job to FAILED with a human-readable cause. Counters keep the
// values from the last durably committed batch.
func (j *Job) Fail(cause string) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return err
	}
	j.errorMessage = cause
	return nil
}

// NextBatchStart returns the absolute line index the next batch begins at.
func (j *Job) NextBatchStart() int64 {
	return int64(j.currentBatch) * int64(j.batchSize)
}
