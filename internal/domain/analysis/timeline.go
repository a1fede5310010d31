package analysis

import "time"

// TimeProvider is an interface that provides a Now method to get the current time.
type TimeProvider interface {
	Now() time.Time
}

// Real implementation for production.
type realTimeProvider struct{}

func (r *realTimeProvider) Now() time.Time { return time.Now() }

// Timeline tracks temporal aspects of an analysis job.
type Timeline struct {
	startedAt    time.Time
	completedAt  time.Time
	lastUpdate   time.Time
	timeProvider TimeProvider
}

// NewTimeline creates a new Timeline instance. The job has not started yet,
// so only the last-update marker is set.
func NewTimeline(timeProvider TimeProvider) *Timeline {
	return &Timeline{
		lastUpdate:   timeProvider.Now(),
		timeProvider: timeProvider,
	}
}

// ReconstructTimeline creates a Timeline from persisted timestamps.
// This should only be used by repositories when loading from the DB.
func ReconstructTimeline(startedAt, completedAt, lastUpdate time.Time) *Timeline {
	return &Timeline{
		startedAt:    startedAt,
		completedAt:  completedAt,
		lastUpdate:   lastUpdate,
		timeProvider: new(realTimeProvider),
	}
}

// StartedAt returns the time the job first transitioned to running.
func (t *Timeline) StartedAt() time.Time { return t.startedAt }

// CompletedAt returns the time the job reached a terminal state.
func (t *Timeline) CompletedAt() time.Time { return t.completedAt }

// LastUpdate returns the time the job's state was last modified.
func (t *Timeline) LastUpdate() time.Time { return t.lastUpdate }

// MarkStarted records the start time. It is a no-op if the job already
// started once; resumption after a pause must not reset the start time.
func (t *Timeline) MarkStarted() {
	if t.startedAt.IsZero() {
		t.startedAt = t.timeProvider.Now()
	}
	t.UpdateLastUpdate()
}

// MarkCompleted records completion time exactly once.
func (t *Timeline) MarkCompleted() {
	if t.completedAt.IsZero() {
		t.completedAt = t.timeProvider.Now()
	}
	t.UpdateLastUpdate()
}

// UpdateLastUpdate updates the last update timestamp.
func (t *Timeline) UpdateLastUpdate() {
	t.lastUpdate = t.timeProvider.Now()
}

// HasStarted checks if the timeline has been marked as started.
func (t *Timeline) HasStarted() bool { return !t.startedAt.IsZero() }

// IsCompleted checks if the timeline has been marked as completed.
func (t *Timeline) IsCompleted() bool { return !t.completedAt.IsZero() }

// Now exposes the timeline's clock so aggregate logic shares a single
// time source with the timeline itself.
func (t *Timeline) Now() time.Time { return t.timeProvider.Now() }
