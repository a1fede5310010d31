package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/storage"
)

// jobStore implements analysis.JobRepository using PostgreSQL as the backing
// store. Controller-owned fields are written with a version check; the
// pause/cancel intent flags are written without one so an operator signal can
// never race the owning worker's saves.
var _ analysis.JobRepository = (*jobStore)(nil)

type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateJob persists a newly submitted job.
func (r *jobStore) CreateJob(ctx context.Context, job *analysis.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.Int("batch_size", job.BatchSize()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		metadata, err := json.Marshal(job.Metadata())
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		_, err = r.db.Exec(ctx, `
			INSERT INTO analysis_jobs (
				job_id, file_id, org_id, user_id, status, batch_size,
				current_batch, total_batches, lines_processed, total_lines,
				issues_found, alerts_created, metadata, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			job.FileID(),
			pgtype.UUID{Bytes: job.OrgID(), Valid: true},
			pgtype.UUID{Bytes: job.UserID(), Valid: true},
			string(job.Status()),
			int32(job.BatchSize()),
			int32(job.CurrentBatch()),
			totalBatchesColumn(job),
			job.LinesProcessed(),
			totalLinesColumn(job),
			int64(job.IssuesFound()),
			int64(job.AlertsCreated()),
			metadata,
			job.Version(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

func totalBatchesColumn(job *analysis.Job) int32 {
	if total, ok := job.TotalBatches(); ok {
		return int32(total)
	}
	return -1
}

func totalLinesColumn(job *analysis.Job) int64 {
	if total, ok := job.TotalLines(); ok {
		return total
	}
	return -1
}

// GetJob loads the full job record, including its version, and reconstructs
// the domain model from the stored data.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var job *analysis.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, `
			SELECT job_id, file_id, org_id, user_id, status, batch_size,
				current_batch, total_batches, lines_processed, total_lines,
				issues_found, alerts_created, pause_requested, cancel_requested,
				estimated_end_time, error_message, metadata,
				started_at, completed_at, updated_at, version
			FROM analysis_jobs
			WHERE job_id = $1`,
			pgtype.UUID{Bytes: jobID, Valid: true},
		)

		var err error
		job, err = scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// rowScanner covers both pgx.Row and pgx.Rows for scanJobRow.
type rowScanner interface{ Scan(dest ...any) error }

func scanJobRow(row rowScanner) (*analysis.Job, error) {
	var (
		jobID, orgID, userID                pgtype.UUID
		fileID, status                      string
		batchSize, currentBatch, totalBatch int32
		linesProcessed, totalLines          int64
		issuesFound, alertsCreated          int64
		pauseRequested, cancelRequested     bool
		estimatedEndTime                    pgtype.Timestamptz
		errorMessage                        pgtype.Text
		metadataRaw                         []byte
		startedAt, completedAt, updatedAt   pgtype.Timestamptz
		version                             int64
	)

	err := row.Scan(
		&jobID, &fileID, &orgID, &userID, &status, &batchSize,
		&currentBatch, &totalBatch, &linesProcessed, &totalLines,
		&issuesFound, &alertsCreated, &pauseRequested, &cancelRequested,
		&estimatedEndTime, &errorMessage, &metadataRaw,
		&startedAt, &completedAt, &updatedAt, &version,
	)
	if err != nil {
		return nil, err
	}

	var metadata map[string]string
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	timeline := analysis.ReconstructTimeline(startedAt.Time, completedAt.Time, updatedAt.Time)
	return analysis.ReconstructJob(
		jobID.Bytes,
		fileID,
		orgID.Bytes,
		userID.Bytes,
		int(batchSize),
		analysis.JobStatus(status),
		int(currentBatch),
		int(totalBatch),
		linesProcessed,
		totalLines,
		int(issuesFound),
		int(alertsCreated),
		pauseRequested,
		cancelRequested,
		estimatedEndTime.Time,
		errorMessage.String,
		metadata,
		timeline,
		version,
	), nil
}

// SaveJob writes the controller-owned fields with a version check. The intent
// flags are only reset when the job observed them (Job.FlagClears), so a
// signal raised after the controller's read is never clobbered. A version
// mismatch surfaces as ErrVersionConflict.
func (r *jobStore) SaveJob(ctx context.Context, job *analysis.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
		attribute.Int64("version", job.Version()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_job", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		metadata, err := json.Marshal(job.Metadata())
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}

		var estimatedEnd pgtype.Timestamptz
		if est, ok := job.EstimatedEndTime(); ok {
			estimatedEnd = pgtype.Timestamptz{Time: est, Valid: true}
		}
		var startedAt pgtype.Timestamptz
		if job.Timeline().HasStarted() {
			startedAt = pgtype.Timestamptz{Time: job.StartTime(), Valid: true}
		}
		var completedAt pgtype.Timestamptz
		if endTime, ok := job.EndTime(); ok {
			completedAt = pgtype.Timestamptz{Time: endTime, Valid: true}
		}
		var errorMessage pgtype.Text
		if job.ErrorMessage() != "" {
			errorMessage = pgtype.Text{String: job.ErrorMessage(), Valid: true}
		}

		clearPause, clearCancel := job.FlagClears()

		tag, err := r.db.Exec(ctx, `
			UPDATE analysis_jobs SET
				status = $3,
				current_batch = $4,
				total_batches = $5,
				lines_processed = $6,
				total_lines = $7,
				issues_found = $8,
				alerts_created = $9,
				pause_requested = CASE WHEN $10 THEN FALSE ELSE pause_requested END,
				cancel_requested = CASE WHEN $11 THEN FALSE ELSE cancel_requested END,
				estimated_end_time = $12,
				error_message = $13,
				metadata = $14,
				started_at = $15,
				completed_at = $16,
				version = version + 1,
				updated_at = NOW()
			WHERE job_id = $1 AND version = $2`,
			pgtype.UUID{Bytes: job.JobID(), Valid: true},
			job.Version(),
			string(job.Status()),
			int32(job.CurrentBatch()),
			totalBatchesColumn(job),
			job.LinesProcessed(),
			totalLinesColumn(job),
			int64(job.IssuesFound()),
			int64(job.AlertsCreated()),
			clearPause,
			clearCancel,
			estimatedEnd,
			errorMessage,
			metadata,
			startedAt,
			completedAt,
		)
		if err != nil {
			return fmt.Errorf("SaveJob update error: %w", err)
		}

		if tag.RowsAffected() == 0 {
			var exists bool
			if err := r.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM analysis_jobs WHERE job_id = $1)`,
				pgtype.UUID{Bytes: job.JobID(), Valid: true},
			).Scan(&exists); err != nil {
				return fmt.Errorf("SaveJob existence check error: %w", err)
			}
			if !exists {
				return analysis.ErrJobNotFound
			}
			span.SetAttributes(attribute.Bool("version_conflict", true))
			return analysis.ErrVersionConflict
		}

		job.AdvanceVersion()
		job.ResetFlagClears()
		return nil
	})
}

// GetControlFlags reads the pause/cancel intent flags without loading the record.
func (r *jobStore) GetControlFlags(ctx context.Context, jobID uuid.UUID) (analysis.ControlFlags, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var flags analysis.ControlFlags
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_control_flags", dbAttrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, `
			SELECT pause_requested, cancel_requested
			FROM analysis_jobs
			WHERE job_id = $1`,
			pgtype.UUID{Bytes: jobID, Valid: true},
		).Scan(&flags.PauseRequested, &flags.CancelRequested)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrJobNotFound
			}
			return fmt.Errorf("GetControlFlags query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return analysis.ControlFlags{}, err
	}

	return flags, nil
}

// RequestPause sets the persisted pause flag. The write deliberately leaves
// the record version alone so it cannot conflict with the owning worker.
func (r *jobStore) RequestPause(ctx context.Context, jobID uuid.UUID) error {
	return r.setIntentFlag(ctx, jobID, "pause_requested", "postgres.request_pause")
}

// RequestCancel sets the persisted cancel flag, same write discipline as RequestPause.
func (r *jobStore) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	return r.setIntentFlag(ctx, jobID, "cancel_requested", "postgres.request_cancel")
}

func (r *jobStore) setIntentFlag(ctx context.Context, jobID uuid.UUID, column, spanName string) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx,
			fmt.Sprintf(`UPDATE analysis_jobs SET %s = TRUE, updated_at = NOW() WHERE job_id = $1`, column),
			pgtype.UUID{Bytes: jobID, Valid: true},
		)
		if err != nil {
			return fmt.Errorf("set %s error: %w", column, err)
		}
		if tag.RowsAffected() == 0 {
			return analysis.ErrJobNotFound
		}
		return nil
	})
}

// ListJobsByStatus returns all jobs currently in any of the given states,
// oldest first so recovery re-admits jobs in submission order.
func (r *jobStore) ListJobsByStatus(ctx context.Context, statuses ...analysis.JobStatus) ([]*analysis.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.Int("num_statuses", len(statuses)),
	)

	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}

	var jobs []*analysis.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs_by_status", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT job_id, file_id, org_id, user_id, status, batch_size,
				current_batch, total_batches, lines_processed, total_lines,
				issues_found, alerts_created, pause_requested, cancel_requested,
				estimated_end_time, error_message, metadata,
				started_at, completed_at, updated_at, version
			FROM analysis_jobs
			WHERE status = ANY($1)
			ORDER BY created_at ASC`,
			values,
		)
		if err != nil {
			return fmt.Errorf("ListJobsByStatus query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJobRow(rows)
			if err != nil {
				return fmt.Errorf("ListJobsByStatus scan error: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return jobs, nil
}
