package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

const (
	defaultWorkers       = 4
	defaultQueueCapacity = 256
	requeueInterval      = 30 * time.Second
)

// JobSpec is a submission request for a new analysis job.
type JobSpec struct {
	FileID    string
	OrgID     uuid.UUID
	UserID    uuid.UUID
	BatchSize int
	Metadata  map[string]string
}

// JobSnapshot is a read-only view of a job record for status queries.
type JobSnapshot struct {
	JobID          uuid.UUID
	FileID         string
	Status         analysis.JobStatus
	BatchSize      int
	CurrentBatch   int
	TotalBatches   int // -1 until known
	LinesProcessed int64
	TotalLines     int64 // -1 until known
	IssuesFound    int
	AlertsCreated  int

	StartTime        time.Time // zero until first run
	EndTime          time.Time // zero until terminal
	EstimatedEndTime time.Time // zero until computable
	ErrorMessage     string
}

func snapshotOf(job *analysis.Job) JobSnapshot {
	snap := JobSnapshot{
		JobID:          job.JobID(),
		FileID:         job.FileID(),
		Status:         job.Status(),
		BatchSize:      job.BatchSize(),
		CurrentBatch:   job.CurrentBatch(),
		TotalBatches:   -1,
		LinesProcessed: job.LinesProcessed(),
		TotalLines:     -1,
		IssuesFound:    job.IssuesFound(),
		AlertsCreated:  job.AlertsCreated(),
		StartTime:      job.StartTime(),
		ErrorMessage:   job.ErrorMessage(),
	}
	if total, ok := job.TotalBatches(); ok {
		snap.TotalBatches = total
	}
	if total, ok := job.TotalLines(); ok {
		snap.TotalLines = total
	}
	if end, ok := job.EndTime(); ok {
		snap.EndTime = end
	}
	if est, ok := job.EstimatedEndTime(); ok {
		snap.EstimatedEndTime = est
	}
	return snap
}

// Scheduler owns the worker pool and the in-memory registry that guarantees
// at most one active worker per job id. It is the engine's control surface:
// submission, pause, resume, cancel, and status queries all go through it.
type Scheduler struct {
	controllerID string

	repo       analysis.JobRepository
	controller *JobController
	notifier   analysis.LifecycleNotifier

	workers int
	queue   chan uuid.UUID

	mu     sync.Mutex
	active map[uuid.UUID]struct{}

	metrics EngineMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueCapacity sets the admission queue's buffer size.
func WithQueueCapacity(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.queue = make(chan uuid.UUID, n)
		}
	}
}

// NewScheduler creates a scheduler with the given dependencies.
func NewScheduler(
	controllerID string,
	repo analysis.JobRepository,
	controller *JobController,
	notifier analysis.LifecycleNotifier,
	metrics EngineMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		controllerID: controllerID,
		repo:         repo,
		controller:   controller,
		notifier:     notifier,
		workers:      defaultWorkers,
		queue:        make(chan uuid.UUID, defaultQueueCapacity),
		active:       make(map[uuid.UUID]struct{}),
		metrics:      metrics,
		logger:       log.With("component", "scheduler"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the worker pool and blocks until ctx is cancelled. A recovery
// pass runs first: jobs left RUNNING by a crash and jobs still QUEUED are
// re-admitted before any new submissions are picked up.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler starting", "workers", s.workers)

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recovery pass: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		workerID := i
		g.Go(func() error { return s.workerLoop(ctx, workerID) })
	}
	g.Go(func() error { return s.requeueLoop(ctx) })

	err := g.Wait()
	s.logger.Info(ctx, "scheduler stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// recover re-admits interrupted work. A job found RUNNING at startup is a
// crash artifact: progress through the last committed batch is durable, so it
// resumes from there. Anything redone is at most one batch.
func (s *Scheduler) recover(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.recover")
	defer span.End()

	jobs, err := s.repo.ListJobsByStatus(ctx, analysis.JobStatusRunning, analysis.JobStatusQueued)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list resumable jobs: %w", err)
	}

	for _, job := range jobs {
		if !s.enqueue(job.JobID()) {
			s.logger.Warn(ctx, "admission queue full during recovery, job deferred to requeue sweep",
				"job_id", job.JobID().String())
		}
	}

	span.SetAttributes(attribute.Int("num_recovered", len(jobs)))
	s.logger.Info(ctx, "recovery pass complete", "num_jobs", len(jobs))
	return nil
}

// requeueLoop periodically sweeps for QUEUED jobs that are not in the
// admission queue, e.g. submissions deferred when the queue was full.
func (s *Scheduler) requeueLoop(ctx context.Context) error {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			jobs, err := s.repo.ListJobsByStatus(ctx, analysis.JobStatusQueued)
			if err != nil {
				s.logger.Error(ctx, "requeue sweep failed", "error", err)
				continue
			}
			for _, job := range jobs {
				if !s.isActive(job.JobID()) {
					s.enqueue(job.JobID())
				}
			}
		}
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, workerID int) error {
	log := s.logger.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jobID := <-s.queue:
			if !s.claim(jobID) {
				// Another worker already owns this job; the requeue sweep
				// will pick it back up if it is still QUEUED later.
				continue
			}
			s.runJob(ctx, log, jobID)
			s.release(jobID)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, log *logger.Logger, jobID uuid.UUID) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run_job",
		trace.WithAttributes(
			attribute.String("controller_id", s.controllerID),
			attribute.String("job_id", jobID.String()),
		))
	defer span.End()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load job")
		log.Error(ctx, "failed to load admitted job", "job_id", jobID.String(), "error", err)
		return
	}
	if job.Status().IsTerminal() {
		span.AddEvent("job_already_terminal")
		return
	}

	s.metrics.SetActiveWorkers(ctx, 1)
	defer s.metrics.SetActiveWorkers(ctx, -1)

	if err := s.controller.Run(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job run aborted")
		log.Error(ctx, "job run aborted", "job_id", jobID.String(), "error", err)
		return
	}
	span.SetAttributes(attribute.String("final_status", string(job.Status())))
}

// Submit validates and persists a new job, then admits it to the pool.
func (s *Scheduler) Submit(ctx context.Context, spec JobSpec) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.submit",
		trace.WithAttributes(
			attribute.String("file_id", spec.FileID),
			attribute.Int("batch_size", spec.BatchSize),
		))
	defer span.End()

	jobID := uuid.New()
	opts := []analysis.JobOption{}
	if len(spec.Metadata) > 0 {
		opts = append(opts, analysis.WithMetadata(spec.Metadata))
	}

	job, err := analysis.NewJob(jobID, spec.FileID, spec.OrgID, spec.UserID, spec.BatchSize, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid job spec")
		return uuid.Nil, err
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}

	if !s.enqueue(jobID) {
		// Stays QUEUED in the store; the requeue sweep admits it later.
		s.logger.Warn(ctx, "admission queue full, job deferred", "job_id", jobID.String())
	}

	s.logger.Info(ctx, "job submitted",
		"job_id", jobID.String(), "file_id", spec.FileID, "batch_size", spec.BatchSize)
	span.AddEvent("job_submitted")
	return jobID, nil
}

// RequestPause asks a job to pause at its next batch boundary. No-op for
// terminal jobs, NotFound for unknown ids.
func (s *Scheduler) RequestPause(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.request_pause",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if job.Status().IsTerminal() {
		span.AddEvent("job_already_terminal")
		return nil
	}
	if job.Status() == analysis.JobStatusPaused {
		span.AddEvent("job_already_paused")
		return nil
	}

	if err := s.repo.RequestPause(ctx, jobID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("request pause for job %s: %w", jobID, err)
	}
	s.logger.Info(ctx, "pause requested", "job_id", jobID.String())
	return nil
}

// RequestResume re-admits a paused job. The job continues at its persisted
// currentBatch; no lines are reprocessed.
func (s *Scheduler) RequestResume(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.request_resume",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if job.Status().IsTerminal() {
		span.AddEvent("job_already_terminal")
		return nil
	}
	if job.Status() == analysis.JobStatusRunning {
		// The resume already took effect; repeating it is a no-op.
		span.AddEvent("job_already_running")
		return nil
	}
	if job.Status() != analysis.JobStatusPaused {
		return analysis.InvalidStateError{JobID: jobID, Status: job.Status(), Operation: "resume"}
	}

	if !s.enqueue(jobID) {
		return fmt.Errorf("admission queue full, cannot resume job %s", jobID)
	}
	s.logger.Info(ctx, "resume requested", "job_id", jobID.String(), "current_batch", job.CurrentBatch())
	return nil
}

// RequestCancel cancels a job. For a paused job with no active worker the
// transition happens here directly; otherwise the flag is set and the owning
// controller acknowledges it at the next batch boundary.
func (s *Scheduler) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.request_cancel",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if job.Status().IsTerminal() {
		span.AddEvent("job_already_terminal")
		return nil
	}

	if job.Status() == analysis.JobStatusPaused && !s.isActive(jobID) {
		if err := job.AcknowledgeCancel(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("cancel paused job %s: %w", jobID, err)
		}
		if err := s.repo.SaveJob(ctx, job); err != nil {
			span.RecordError(err)
			return fmt.Errorf("persist cancelled job %s: %w", jobID, err)
		}
		s.metrics.IncJobsCancelled(ctx)
		evt := analysis.NewLifecycleEvent(job, "job cancelled while paused")
		if err := s.notifier.NotifyJobLifecycle(ctx, evt); err != nil {
			s.logger.Warn(ctx, "failed to publish lifecycle event", "job_id", jobID.String(), "error", err)
		}
		s.logger.Info(ctx, "paused job cancelled", "job_id", jobID.String())
		span.AddEvent("paused_job_cancelled")
		return nil
	}

	if err := s.repo.RequestCancel(ctx, jobID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("request cancel for job %s: %w", jobID, err)
	}
	s.logger.Info(ctx, "cancel requested", "job_id", jobID.String())
	return nil
}

// GetStatus returns a snapshot of the job record, including progress counters
// and the estimated completion time.
func (s *Scheduler) GetStatus(ctx context.Context, jobID uuid.UUID) (JobSnapshot, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return JobSnapshot{}, err
	}
	return snapshotOf(job), nil
}

func (s *Scheduler) enqueue(jobID uuid.UUID) bool {
	select {
	case s.queue <- jobID:
		return true
	default:
		return false
	}
}

func (s *Scheduler) claim(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.active[jobID]; exists {
		return false
	}
	s.active[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func (s *Scheduler) isActive(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.active[jobID]
	return exists
}
