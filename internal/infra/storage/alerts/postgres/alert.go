package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/storage"
)

// alertStore implements analysis.AlertCreator on PostgreSQL. Alert creation is
// idempotent on (job_id, line_number, category) so a batch redone after a
// transient failure never produces duplicate alerts.
var _ analysis.AlertCreator = (*alertStore)(nil)

type alertStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewAlertStore creates a new PostgreSQL-backed alert store with tracing capabilities.
func NewAlertStore(pool *pgxpool.Pool, tracer trace.Tracer) *alertStore {
	return &alertStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateAlert materializes a finding as an alert row. On redelivery of the
// same finding the existing alert's ID is returned instead of inserting a
// duplicate.
func (r *alertStore) CreateAlert(ctx context.Context, jobID, orgID uuid.UUID, finding analysis.Finding) (uuid.UUID, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
		attribute.Int64("line_number", finding.LineNumber()),
		attribute.String("severity", string(finding.Severity())),
	)

	var alertID uuid.UUID
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_alert", dbAttrs, func(ctx context.Context) error {
		span := trace.SpanFromContext(ctx)

		newID := uuid.New()
		var inserted pgtype.UUID
		err := r.db.QueryRow(ctx, `
			INSERT INTO alerts (alert_id, job_id, org_id, line_number, category, severity, excerpt, rationale)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (job_id, line_number, category) DO NOTHING
			RETURNING alert_id`,
			pgtype.UUID{Bytes: newID, Valid: true},
			pgtype.UUID{Bytes: jobID, Valid: true},
			pgtype.UUID{Bytes: orgID, Valid: true},
			finding.LineNumber(),
			finding.Category(),
			string(finding.Severity()),
			finding.Excerpt(),
			finding.Rationale(),
		).Scan(&inserted)
		if err == nil {
			alertID = inserted.Bytes
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("CreateAlert insert error: %w", err)
		}

		// DO NOTHING yields no row on conflict; fetch the existing alert.
		existErr := r.db.QueryRow(ctx, `
			SELECT alert_id FROM alerts
			WHERE job_id = $1 AND line_number = $2 AND category = $3`,
			pgtype.UUID{Bytes: jobID, Valid: true},
			finding.LineNumber(),
			finding.Category(),
		).Scan(&inserted)
		if existErr != nil {
			return fmt.Errorf("CreateAlert lookup error: %w", existErr)
		}

		span.SetAttributes(attribute.Bool("duplicate_alert", true))
		alertID = inserted.Bytes
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	return alertID, nil
}

// CountAlertsForJob returns the number of alerts materialized for a job.
func (r *alertStore) CountAlertsForJob(ctx context.Context, jobID uuid.UUID) (int64, error) {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", jobID.String()),
	)

	var count int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.count_alerts_for_job", dbAttrs, func(ctx context.Context) error {
		err := r.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM alerts WHERE job_id = $1`,
			pgtype.UUID{Bytes: jobID, Valid: true},
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("CountAlertsForJob query error: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}
