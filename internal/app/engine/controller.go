package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

// defaultMaxBatchAttempts bounds retries of a single batch before the failure
// escalates to job-fatal.
const defaultMaxBatchAttempts = 3

// errSignalObserved unwinds the retry loop when a pause or cancel signal
// arrives between attempts. The outer loop re-reads the flags and acts.
var errSignalObserved = errors.New("control signal observed during retry")

// JobController drives one job's batch loop on a single worker. It is the only
// writer of the job record while it holds the job: the scheduler guarantees at
// most one controller per job id at a time.
type JobController struct {
	controllerID string

	repo      analysis.JobRepository
	source    analysis.LineSource
	processor *BatchProcessor
	notifier  analysis.LifecycleNotifier

	maxAttempts int
	newBackOff  func() backoff.BackOff

	metrics EngineMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// ControllerOption customizes a JobController.
type ControllerOption func(*JobController)

// WithRetryPolicy overrides the per-batch retry budget and backoff schedule.
// A zero maxAttempts or nil newBackOff leaves the corresponding default in place.
func WithRetryPolicy(maxAttempts int, newBackOff func() backoff.BackOff) ControllerOption {
	return func(c *JobController) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if newBackOff != nil {
			c.newBackOff = newBackOff
		}
	}
}

// NewJobController creates a controller with the default retry policy.
func NewJobController(
	controllerID string,
	repo analysis.JobRepository,
	source analysis.LineSource,
	processor *BatchProcessor,
	notifier analysis.LifecycleNotifier,
	metrics EngineMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...ControllerOption,
) *JobController {
	c := &JobController{
		controllerID: controllerID,
		repo:         repo,
		source:       source,
		processor:    processor,
		notifier:     notifier,
		maxAttempts:  defaultMaxBatchAttempts,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			return bo
		},
		metrics: metrics,
		logger:  log.With("component", "job_controller"),
		tracer:  tracer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the job's batch loop until the job pauses or reaches a terminal
// state. The caller inspects job.Status() afterward to decide what to do with
// the worker slot. The returned error reports loop machinery failures only;
// a job that ends in FAILED is a successful run of the loop.
func (c *JobController) Run(ctx context.Context, job *analysis.Job) error {
	log := c.logger.With("operation", "run", "job_id", job.JobID().String())
	ctx, span := c.tracer.Start(ctx, "job_controller.run",
		trace.WithAttributes(
			attribute.String("controller_id", c.controllerID),
			attribute.String("job_id", job.JobID().String()),
			attribute.String("file_id", job.FileID()),
			attribute.Int("batch_size", job.BatchSize()),
			attribute.Int("current_batch", job.CurrentBatch()),
		))
	defer span.End()

	if err := job.Start(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start job")
		return fmt.Errorf("start job %s: %w", job.JobID(), err)
	}
	if err := c.save(ctx, job); err != nil {
		return err
	}
	c.metrics.IncJobsStarted(ctx)
	c.notify(ctx, job, "job running")
	log.Info(ctx, "job running", "current_batch", job.CurrentBatch())

	handle, err := c.source.Open(ctx, job.FileID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open log file")
		return c.failJob(ctx, job, fmt.Sprintf("open log file %q: %v", job.FileID(), err))
	}
	defer handle.Close()

	for {
		if err := ctx.Err(); err != nil {
			// Process shutdown. The job stays RUNNING in the store and the
			// recovery pass re-admits it on the next start.
			span.AddEvent("run_interrupted_by_shutdown")
			return err
		}

		// Boundary check: cancel takes priority over pause.
		flags, err := c.repo.GetControlFlags(ctx, job.JobID())
		if err != nil {
			span.RecordError(err)
			return c.failJob(ctx, job, fmt.Sprintf("read control flags: %v", err))
		}
		job.SetControlFlags(flags.PauseRequested, flags.CancelRequested)

		if flags.CancelRequested {
			if err := job.AcknowledgeCancel(); err != nil {
				return fmt.Errorf("acknowledge cancel for job %s: %w", job.JobID(), err)
			}
			if err := c.save(ctx, job); err != nil {
				return err
			}
			c.metrics.IncJobsCancelled(ctx)
			c.notify(ctx, job, "job cancelled")
			log.Info(ctx, "job cancelled", "current_batch", job.CurrentBatch())
			span.AddEvent("job_cancelled")
			return nil
		}

		if flags.PauseRequested {
			if err := job.AcknowledgePause(); err != nil {
				return fmt.Errorf("acknowledge pause for job %s: %w", job.JobID(), err)
			}
			if err := c.save(ctx, job); err != nil {
				return err
			}
			c.metrics.IncJobsPaused(ctx)
			c.notify(ctx, job, "job paused")
			log.Info(ctx, "job paused", "current_batch", job.CurrentBatch())
			span.AddEvent("job_paused")
			return nil
		}

		result, err := c.processBatchWithRetry(ctx, job, handle)
		if errors.Is(err, errSignalObserved) {
			// Loop back to the boundary check, which will acknowledge.
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch failed")
			return c.failJob(ctx, job, err.Error())
		}

		if _, known := job.TotalLines(); !known {
			// Sources normally report the line count on the first read. A
			// source that cannot still terminates the loop at the last batch.
			totalLines := result.TotalLines
			if totalLines < 0 && result.IsLast {
				totalLines = job.LinesProcessed() + int64(result.LinesRead)
			}
			if totalLines >= 0 {
				if err := job.SetTotals(totalLines); err != nil {
					return c.failJob(ctx, job, fmt.Sprintf("record file totals: %v", err))
				}
				span.AddEvent("totals_known", trace.WithAttributes(attribute.Int64("total_lines", totalLines)))
			}
		}

		if result.LinesRead > 0 {
			if err := job.ApplyBatchResult(result.LinesRead, result.IssuesFound, result.AlertsCreated); err != nil {
				return c.failJob(ctx, job, fmt.Sprintf("commit batch result: %v", err))
			}
			c.metrics.IncBatchesProcessed(ctx)
		}

		if job.AllBatchesDone() {
			if err := job.Complete(); err != nil {
				return c.failJob(ctx, job, fmt.Sprintf("complete job: %v", err))
			}
			if err := c.save(ctx, job); err != nil {
				return err
			}
			c.metrics.IncJobsCompleted(ctx)
			c.notify(ctx, job, "job completed")
			log.Info(ctx, "job completed",
				"batches", job.CurrentBatch(),
				"lines_processed", job.LinesProcessed(),
				"issues_found", job.IssuesFound(),
				"alerts_created", job.AlertsCreated())
			span.AddEvent("job_completed")
			span.SetStatus(codes.Ok, "job completed")
			return nil
		}

		if err := c.save(ctx, job); err != nil {
			return err
		}
	}
}

// processBatchWithRetry runs one batch through the processor with bounded
// exponential backoff. Only transient failures are retried, and a pause or
// cancel signal always wins over starting another attempt.
func (c *JobController) processBatchWithRetry(ctx context.Context, job *analysis.Job, handle analysis.LineHandle) (BatchResult, error) {
	bo := c.newBackOff()
	batchNum := job.CurrentBatch() + 1

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		start := time.Now()
		result, err := c.processor.Process(ctx, job, handle)
		if err == nil {
			c.metrics.ObserveBatchDuration(ctx, time.Since(start))
			return result, nil
		}
		lastErr = err

		if !analysis.IsRetryable(err) {
			return BatchResult{}, err
		}
		if attempt == c.maxAttempts {
			break
		}

		c.metrics.IncBatchRetries(ctx)
		c.logger.Warn(ctx, "batch failed, retrying",
			"job_id", job.JobID().String(),
			"batch", batchNum,
			"attempt", attempt,
			"error", err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return BatchResult{}, ctx.Err()
		}

		// A signal raised while we were backing off beats the next attempt.
		flags, flagErr := c.repo.GetControlFlags(ctx, job.JobID())
		if flagErr == nil && (flags.PauseRequested || flags.CancelRequested) {
			return BatchResult{}, errSignalObserved
		}
	}

	return BatchResult{}, analysis.NewFatalBatchError(batchNum,
		fmt.Errorf("retry budget exhausted after %d attempts: %w", c.maxAttempts, lastErr))
}

// failJob moves the job to FAILED and persists it. A version conflict on the
// way down means another actor touched a job this controller owns; the record
// is reloaded and failed from its fresh state so the terminal write lands.
func (c *JobController) failJob(ctx context.Context, job *analysis.Job, cause string) error {
	if err := job.Fail(cause); err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.JobID(), err)
	}

	err := c.repo.SaveJob(ctx, job)
	if errors.Is(err, analysis.ErrVersionConflict) {
		c.logger.Error(ctx, "version conflict while failing job, reloading",
			"job_id", job.JobID().String(), "cause", cause)
		fresh, loadErr := c.repo.GetJob(ctx, job.JobID())
		if loadErr != nil {
			return fmt.Errorf("reload job %s after conflict: %w", job.JobID(), loadErr)
		}
		if fresh.Status().IsTerminal() {
			// Another actor already landed a terminal state, e.g. a direct
			// cancellation of a paused job. Nothing failed; adopt their state.
			c.logger.Warn(ctx, "job already terminal, dropping failure",
				"job_id", job.JobID().String(), "status", string(fresh.Status()), "cause", cause)
			*job = *fresh
			return nil
		}
		if failErr := fresh.Fail(cause); failErr != nil {
			return fmt.Errorf("mark reloaded job %s failed: %w", job.JobID(), failErr)
		}
		err = c.repo.SaveJob(ctx, fresh)
		*job = *fresh
	}
	if err != nil {
		return fmt.Errorf("persist failed state for job %s: %w", job.JobID(), err)
	}

	c.metrics.IncJobsFailed(ctx)
	c.notify(ctx, job, cause)
	c.logger.Error(ctx, "job failed", "job_id", job.JobID().String(), "cause", cause)
	return nil
}

// save persists the job. A version conflict outside the failure path is an
// invariant breach (two actors wrote the same job): the job is moved to FAILED
// and the conflict is returned so the batch loop stops. FAILED is absorbing;
// no batch may run after it.
func (c *JobController) save(ctx context.Context, job *analysis.Job) error {
	err := c.repo.SaveJob(ctx, job)
	if errors.Is(err, analysis.ErrVersionConflict) {
		if failErr := c.failJob(ctx, job, "persistence conflict: concurrent write to an owned job"); failErr != nil {
			return failErr
		}
		return fmt.Errorf("save job %s: %w", job.JobID(), err)
	}
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.JobID(), err)
	}
	return nil
}

// notify publishes a lifecycle event. Publishing is best-effort.
func (c *JobController) notify(ctx context.Context, job *analysis.Job, detail string) {
	evt := analysis.NewLifecycleEvent(job, detail)
	if err := c.notifier.NotifyJobLifecycle(ctx, evt); err != nil {
		c.logger.Warn(ctx, "failed to publish lifecycle event",
			"job_id", job.JobID().String(), "status", string(job.Status()), "error", err)
	}
}
