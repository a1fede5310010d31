package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics defines metrics operations needed by the analysis engine.
type EngineMetrics interface {
	// Job lifecycle metrics
	IncJobsStarted(ctx context.Context)
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context)
	IncJobsPaused(ctx context.Context)
	IncJobsCancelled(ctx context.Context)

	// Batch metrics
	IncBatchesProcessed(ctx context.Context)
	IncBatchRetries(ctx context.Context)
	ObserveBatchDuration(ctx context.Context, duration time.Duration)

	// Finding metrics
	AddIssuesFound(ctx context.Context, count int)
	AddAlertsCreated(ctx context.Context, count int)

	// Worker metrics
	SetActiveWorkers(ctx context.Context, delta int)
}

// engineMetrics implements EngineMetrics.
type engineMetrics struct {
	jobsStarted   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsPaused    metric.Int64Counter
	jobsCancelled metric.Int64Counter

	batchesProcessed metric.Int64Counter
	batchRetries     metric.Int64Counter
	batchDuration    metric.Float64Histogram

	issuesFound   metric.Int64Counter
	alertsCreated metric.Int64Counter

	activeWorkers metric.Int64UpDownCounter
}

const namespace = "analysis_engine"

// NewEngineMetrics creates a new engine metrics instance.
func NewEngineMetrics(mp metric.MeterProvider) (*engineMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(engineMetrics)
	var err error

	if m.jobsStarted, err = meter.Int64Counter(
		"jobs_started_total",
		metric.WithDescription("Total number of jobs that began executing"),
	); err != nil {
		return nil, err
	}

	if m.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs that completed successfully"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of jobs that ended in error"),
	); err != nil {
		return nil, err
	}

	if m.jobsPaused, err = meter.Int64Counter(
		"jobs_paused_total",
		metric.WithDescription("Total number of pause acknowledgements"),
	); err != nil {
		return nil, err
	}

	if m.jobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Total number of cancel acknowledgements"),
	); err != nil {
		return nil, err
	}

	if m.batchesProcessed, err = meter.Int64Counter(
		"batches_processed_total",
		metric.WithDescription("Total number of batches durably committed"),
	); err != nil {
		return nil, err
	}

	if m.batchRetries, err = meter.Int64Counter(
		"batch_retries_total",
		metric.WithDescription("Total number of batch retry attempts"),
	); err != nil {
		return nil, err
	}

	if m.batchDuration, err = meter.Float64Histogram(
		"batch_duration_seconds",
		metric.WithDescription("Time taken to process each batch"),
	); err != nil {
		return nil, err
	}

	if m.issuesFound, err = meter.Int64Counter(
		"issues_found_total",
		metric.WithDescription("Total number of findings returned by the classifier"),
	); err != nil {
		return nil, err
	}

	if m.alertsCreated, err = meter.Int64Counter(
		"alerts_created_total",
		metric.WithDescription("Total number of alerts materialized"),
	); err != nil {
		return nil, err
	}

	if m.activeWorkers, err = meter.Int64UpDownCounter(
		"active_workers",
		metric.WithDescription("Number of workers currently executing a job"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *engineMetrics) IncJobsStarted(ctx context.Context)   { m.jobsStarted.Add(ctx, 1) }
func (m *engineMetrics) IncJobsCompleted(ctx context.Context) { m.jobsCompleted.Add(ctx, 1) }
func (m *engineMetrics) IncJobsFailed(ctx context.Context)    { m.jobsFailed.Add(ctx, 1) }
func (m *engineMetrics) IncJobsPaused(ctx context.Context)    { m.jobsPaused.Add(ctx, 1) }
func (m *engineMetrics) IncJobsCancelled(ctx context.Context) { m.jobsCancelled.Add(ctx, 1) }

func (m *engineMetrics) IncBatchesProcessed(ctx context.Context) { m.batchesProcessed.Add(ctx, 1) }
func (m *engineMetrics) IncBatchRetries(ctx context.Context)     { m.batchRetries.Add(ctx, 1) }

func (m *engineMetrics) ObserveBatchDuration(ctx context.Context, duration time.Duration) {
	m.batchDuration.Record(ctx, duration.Seconds())
}

func (m *engineMetrics) AddIssuesFound(ctx context.Context, count int) {
	m.issuesFound.Add(ctx, int64(count))
}

func (m *engineMetrics) AddAlertsCreated(ctx context.Context, count int) {
	m.alertsCreated.Add(ctx, int64(count))
}

func (m *engineMetrics) SetActiveWorkers(ctx context.Context, delta int) {
	m.activeWorkers.Add(ctx, int64(delta))
}

// noopEngineMetrics discards all measurements. Used in tests.
type noopEngineMetrics struct{}

// NoopMetrics returns an EngineMetrics that records nothing.
func NoopMetrics() EngineMetrics { return noopEngineMetrics{} }

func (noopEngineMetrics) IncJobsStarted(context.Context)                   {}
func (noopEngineMetrics) IncJobsCompleted(context.Context)                 {}
func (noopEngineMetrics) IncJobsFailed(context.Context)                    {}
func (noopEngineMetrics) IncJobsPaused(context.Context)                    {}
func (noopEngineMetrics) IncJobsCancelled(context.Context)                 {}
func (noopEngineMetrics) IncBatchesProcessed(context.Context)              {}
func (noopEngineMetrics) IncBatchRetries(context.Context)                  {}
func (noopEngineMetrics) ObserveBatchDuration(context.Context, time.Duration) {}
func (noopEngineMetrics) AddIssuesFound(context.Context, int)              {}
func (noopEngineMetrics) AddAlertsCreated(context.Context, int)            {}
func (noopEngineMetrics) SetActiveWorkers(context.Context, int)            {}
