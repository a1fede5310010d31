package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
)

// memoryJobRepo mirrors the store's write discipline: version-checked saves
// with CASE-guarded flag clears, and version-neutral flag writes.
type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*analysis.Job

	// failSavesAfter forces ErrVersionConflict on every save once this many
	// saves have succeeded. Zero disables the fault.
	failSavesAfter int
	// failSaveNum forces a single ErrVersionConflict on exactly the Nth save
	// attempt; later saves behave normally. Zero disables the fault.
	failSaveNum int
	saves       int
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{jobs: make(map[uuid.UUID]*analysis.Job)}
}

func cloneJob(j *analysis.Job) *analysis.Job {
	totalBatches := -1
	if tb, ok := j.TotalBatches(); ok {
		totalBatches = tb
	}
	totalLines := int64(-1)
	if tl, ok := j.TotalLines(); ok {
		totalLines = tl
	}
	var estimatedEnd time.Time
	if est, ok := j.EstimatedEndTime(); ok {
		estimatedEnd = est
	}
	var completedAt time.Time
	if end, ok := j.EndTime(); ok {
		completedAt = end
	}

	timeline := analysis.ReconstructTimeline(j.StartTime(), completedAt, j.Timeline().LastUpdate())
	return analysis.ReconstructJob(
		j.JobID(), j.FileID(), j.OrgID(), j.UserID(), j.BatchSize(),
		j.Status(), j.CurrentBatch(), totalBatches,
		j.LinesProcessed(), totalLines,
		j.IssuesFound(), j.AlertsCreated(),
		j.PauseRequested(), j.CancelRequested(),
		estimatedEnd, j.ErrorMessage(), j.Metadata(), timeline, j.Version(),
	)
}

func (r *memoryJobRepo) CreateJob(_ context.Context, job *analysis.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.JobID()]; exists {
		return fmt.Errorf("job %s already exists", job.JobID())
	}
	r.jobs[job.JobID()] = cloneJob(job)
	return nil
}

func (r *memoryJobRepo) GetJob(_ context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[jobID]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	return cloneJob(stored), nil
}

func (r *memoryJobRepo) SaveJob(_ context.Context, job *analysis.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[job.JobID()]
	if !ok {
		return analysis.ErrJobNotFound
	}
	r.saves++
	if r.failSavesAfter > 0 && r.saves > r.failSavesAfter {
		return analysis.ErrVersionConflict
	}
	if r.failSaveNum > 0 && r.saves == r.failSaveNum {
		return analysis.ErrVersionConflict
	}
	if stored.Version() != job.Version() {
		return analysis.ErrVersionConflict
	}

	next := cloneJob(job)
	// Flags are authoritative in the store; only observed signals are cleared.
	clearPause, clearCancel := job.FlagClears()
	pause := stored.PauseRequested()
	if clearPause {
		pause = false
	}
	cancel := stored.CancelRequested()
	if clearCancel {
		cancel = false
	}
	next.SetControlFlags(pause, cancel)
	next.AdvanceVersion()
	r.jobs[job.JobID()] = next

	job.AdvanceVersion()
	job.ResetFlagClears()
	return nil
}

func (r *memoryJobRepo) GetControlFlags(_ context.Context, jobID uuid.UUID) (analysis.ControlFlags, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[jobID]
	if !ok {
		return analysis.ControlFlags{}, analysis.ErrJobNotFound
	}
	return analysis.ControlFlags{
		PauseRequested:  stored.PauseRequested(),
		CancelRequested: stored.CancelRequested(),
	}, nil
}

func (r *memoryJobRepo) RequestPause(_ context.Context, jobID uuid.UUID) error {
	return r.setFlag(jobID, true, false)
}

func (r *memoryJobRepo) RequestCancel(_ context.Context, jobID uuid.UUID) error {
	return r.setFlag(jobID, false, true)
}

func (r *memoryJobRepo) setFlag(jobID uuid.UUID, pause, cancel bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[jobID]
	if !ok {
		return analysis.ErrJobNotFound
	}
	stored.SetControlFlags(stored.PauseRequested() || pause, stored.CancelRequested() || cancel)
	return nil
}

func (r *memoryJobRepo) ListJobsByStatus(_ context.Context, statuses ...analysis.JobStatus) ([]*analysis.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*analysis.Job
	for _, stored := range r.jobs {
		for _, status := range statuses {
			if stored.Status() == status {
				out = append(out, cloneJob(stored))
				break
			}
		}
	}
	return out, nil
}

// memoryLineSource serves fixed line slices keyed by file id.
type memoryLineSource struct {
	files map[string][]string
}

func newMemoryLineSource() *memoryLineSource {
	return &memoryLineSource{files: make(map[string][]string)}
}

func (s *memoryLineSource) addFile(fileID string, numLines int) {
	lines := make([]string, numLines)
	for i := range lines {
		lines[i] = fmt.Sprintf("log line %d", i)
	}
	s.files[fileID] = lines
}

func (s *memoryLineSource) Open(_ context.Context, fileID string) (analysis.LineHandle, error) {
	lines, ok := s.files[fileID]
	if !ok {
		return nil, analysis.ErrFileNotFound
	}
	return &memoryLineHandle{lines: lines}, nil
}

type memoryLineHandle struct{ lines []string }

func (h *memoryLineHandle) ReadBatch(_ context.Context, startLine int64, count int) (analysis.LineBatch, error) {
	total := int64(len(h.lines))
	if startLine > total {
		return analysis.LineBatch{}, fmt.Errorf("start line %d beyond end of file", startLine)
	}
	end := startLine + int64(count)
	if end > total {
		end = total
	}
	return analysis.LineBatch{
		StartLine:  startLine,
		Lines:      h.lines[startLine:end],
		IsLast:     end >= total,
		TotalLines: total,
	}, nil
}

func (h *memoryLineHandle) Close() error { return nil }

// scriptedClassifier lets tests inject per-call behavior. The hook runs before
// the default response and may return findings or an error.
type scriptedClassifier struct {
	mu    sync.Mutex
	calls int
	hook  func(call int, startLine int64, lines []string) ([]analysis.Finding, error)
}

func (c *scriptedClassifier) Classify(_ context.Context, _ string, startLine int64, lines []string) ([]analysis.Finding, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	hook := c.hook
	c.mu.Unlock()

	if hook != nil {
		return hook(call, startLine, lines)
	}
	return nil, nil
}

func (c *scriptedClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// memoryAlertCreator dedupes on (job, line, category) like the real store.
type memoryAlertCreator struct {
	mu     sync.Mutex
	alerts map[string]uuid.UUID
}

func newMemoryAlertCreator() *memoryAlertCreator {
	return &memoryAlertCreator{alerts: make(map[string]uuid.UUID)}
}

func (a *memoryAlertCreator) CreateAlert(_ context.Context, jobID, _ uuid.UUID, finding analysis.Finding) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%s", jobID, finding.LineNumber(), finding.Category())
	if id, exists := a.alerts[key]; exists {
		return id, nil
	}
	id := uuid.New()
	a.alerts[key] = id
	return id, nil
}

func (a *memoryAlertCreator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// recordingNotifier captures lifecycle events in order.
type recordingNotifier struct {
	mu     sync.Mutex
	events []analysis.LifecycleEvent
}

func (n *recordingNotifier) NotifyJobLifecycle(_ context.Context, evt analysis.LifecycleEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
	return nil
}

func (n *recordingNotifier) statuses() []analysis.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]analysis.JobStatus, len(n.events))
	for i, evt := range n.events {
		out[i] = evt.Status
	}
	return out
}
