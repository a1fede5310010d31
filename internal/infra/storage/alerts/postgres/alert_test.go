package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/storage/storagetest"
)

func setupAlertTest(t *testing.T) (context.Context, *pgxpool.Pool, *alertStore, func()) {
	t.Helper()

	db, cleanup := storagetest.SetupTestContainer(t)
	store := NewAlertStore(db, storagetest.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

// insertJobRow satisfies the alerts foreign key without pulling in the job store.
func insertJobRow(t *testing.T, ctx context.Context, db *pgxpool.Pool) (jobID, orgID uuid.UUID) {
	t.Helper()

	jobID, orgID = uuid.New(), uuid.New()
	_, err := db.Exec(ctx, `
		INSERT INTO analysis_jobs (job_id, file_id, org_id, user_id, batch_size)
		VALUES ($1, $2, $3, $4, 50)`,
		pgtype.UUID{Bytes: jobID, Valid: true},
		"log-files/test.log",
		pgtype.UUID{Bytes: orgID, Valid: true},
		pgtype.UUID{Bytes: uuid.New(), Valid: true},
	)
	require.NoError(t, err)
	return jobID, orgID
}

func TestAlertStore_CreateAlert(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupAlertTest(t)
	defer cleanup()

	jobID, orgID := insertJobRow(t, ctx, db)

	finding := analysis.NewFinding(42, "Failed password for root from 10.0.0.5", "brute_force", analysis.SeverityHigh, "repeated auth failures from a single source")

	alertID, err := store.CreateAlert(ctx, jobID, orgID, finding)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, alertID)

	count, err := store.CountAlertsForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAlertStore_CreateAlert_IdempotentOnRedelivery(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupAlertTest(t)
	defer cleanup()

	jobID, orgID := insertJobRow(t, ctx, db)

	finding := analysis.NewFinding(7, "nmap scan detected", "port_scan", analysis.SeverityMedium, "sequential connection attempts across ports")

	first, err := store.CreateAlert(ctx, jobID, orgID, finding)
	require.NoError(t, err)

	// A batch redone after a transient failure re-submits the same finding.
	second, err := store.CreateAlert(ctx, jobID, orgID, finding)
	require.NoError(t, err)
	assert.Equal(t, first, second, "redelivered finding should resolve to the existing alert")

	count, err := store.CountAlertsForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAlertStore_CreateAlert_DistinctLinesDistinctAlerts(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupAlertTest(t)
	defer cleanup()

	jobID, orgID := insertJobRow(t, ctx, db)

	for line := int64(1); line <= 3; line++ {
		finding := analysis.NewFinding(line, "suspicious entry", "malware", analysis.SeverityCritical, "known IOC match")
		_, err := store.CreateAlert(ctx, jobID, orgID, finding)
		require.NoError(t, err)
	}

	count, err := store.CountAlertsForJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
