// Package engine contains the application services that drive analysis jobs:
// the batch processor, the per-job controller, and the scheduler that owns the
// worker pool.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

// DefaultAlertThreshold is the minimum severity at which a finding is
// materialized as an alert.
const DefaultAlertThreshold = analysis.SeverityHigh

// BatchResult summarizes one successful batch.
type BatchResult struct {
	// LinesRead is the number of lines actually covered by the batch. The
	// final batch of a file may be short.
	LinesRead int
	// IssuesFound is the number of findings returned by the classifier.
	IssuesFound int
	// AlertsCreated is the number of findings at or above the alert
	// threshold that were materialized.
	AlertsCreated int
	// IsLast reports that the batch reached the end of the file.
	IsLast bool
	// TotalLines is the file's line count, or -1 if the source does not know it.
	TotalLines int64
}

// BatchProcessor runs a single batch end to end: read lines, classify them,
// and materialize qualifying findings as alerts. It never retries; the
// controller owns the retry policy, which keeps re-invocation on the same
// batch safe at-least-once.
type BatchProcessor struct {
	classifier     analysis.BatchClassifier
	alerts         analysis.AlertCreator
	alertThreshold analysis.Severity

	metrics EngineMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewBatchProcessor creates a batch processor with the given collaborators.
func NewBatchProcessor(
	classifier analysis.BatchClassifier,
	alerts analysis.AlertCreator,
	alertThreshold analysis.Severity,
	metrics EngineMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *BatchProcessor {
	if alertThreshold == "" {
		alertThreshold = DefaultAlertThreshold
	}
	return &BatchProcessor{
		classifier:     classifier,
		alerts:         alerts,
		alertThreshold: alertThreshold,
		metrics:        metrics,
		logger:         log.With("component", "batch_processor"),
		tracer:         tracer,
	}
}

// Process reads one batch from the handle, classifies it, and creates alerts
// for findings at or above the threshold. Failures come back as BatchError so
// the controller can distinguish transient from fatal.
func (p *BatchProcessor) Process(ctx context.Context, job *analysis.Job, handle analysis.LineHandle) (BatchResult, error) {
	batchNum := job.CurrentBatch() + 1
	startLine := job.NextBatchStart()

	ctx, span := p.tracer.Start(ctx, "batch_processor.process",
		trace.WithAttributes(
			attribute.String("job_id", job.JobID().String()),
			attribute.Int("batch", batchNum),
			attribute.Int64("start_line", startLine),
			attribute.Int("batch_size", job.BatchSize()),
		))
	defer span.End()

	batch, err := handle.ReadBatch(ctx, startLine, job.BatchSize())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch read failed")
		if errors.Is(err, context.Canceled) || errors.Is(err, analysis.ErrFileNotFound) {
			return BatchResult{}, analysis.NewFatalBatchError(batchNum, err)
		}
		// I/O hiccups on the shared volume are worth retrying.
		return BatchResult{}, analysis.NewTransientBatchError(batchNum, fmt.Errorf("read batch: %w", err))
	}
	span.AddEvent("batch_read", trace.WithAttributes(attribute.Int("num_lines", len(batch.Lines))))

	result := BatchResult{
		LinesRead:  len(batch.Lines),
		IsLast:     batch.IsLast,
		TotalLines: batch.TotalLines,
	}
	if len(batch.Lines) == 0 {
		return result, nil
	}

	findings, err := p.classifier.Classify(ctx, job.FileID(), startLine, batch.Lines)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		var be *analysis.BatchError
		if errors.As(err, &be) {
			// Preserve the transient/fatal classification, stamp the batch.
			be.Batch = batchNum
			return BatchResult{}, be
		}
		return BatchResult{}, analysis.NewTransientBatchError(batchNum, fmt.Errorf("classify batch: %w", err))
	}
	result.IssuesFound = len(findings)
	span.AddEvent("batch_classified", trace.WithAttributes(attribute.Int("num_findings", len(findings))))

	for _, finding := range findings {
		if !finding.Severity().AtLeast(p.alertThreshold) {
			continue
		}

		alertID, err := p.alerts.CreateAlert(ctx, job.JobID(), job.OrgID(), finding)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "alert creation failed")
			// Alert creation is idempotent, so redoing the whole batch is safe.
			return BatchResult{}, analysis.NewTransientBatchError(batchNum, fmt.Errorf("create alert for line %d: %w", finding.LineNumber(), err))
		}

		result.AlertsCreated++
		p.logger.Debug(ctx, "alert created",
			"job_id", job.JobID().String(),
			"alert_id", alertID.String(),
			"line_number", finding.LineNumber(),
			"severity", string(finding.Severity()))
	}

	p.metrics.AddIssuesFound(ctx, result.IssuesFound)
	p.metrics.AddAlertsCreated(ctx, result.AlertsCreated)
	span.SetStatus(codes.Ok, "batch processed")
	return result, nil
}
