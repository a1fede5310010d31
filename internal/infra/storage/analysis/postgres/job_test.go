package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/internal/infra/storage/storagetest"
)

func setupJobTest(t *testing.T) (context.Context, *pgxpool.Pool, *jobStore, func()) {
	t.Helper()

	db, cleanup := storagetest.SetupTestContainer(t)
	store := NewJobStore(db, storagetest.NoOpTracer())
	ctx := context.Background()

	return ctx, db, store, cleanup
}

type fixedClock struct{ current time.Time }

func (c *fixedClock) Now() time.Time { return c.current }

func createTestJob(t *testing.T, batchSize int) *analysis.Job {
	t.Helper()
	job, err := analysis.NewJob(
		uuid.New(),
		"log-files/firewall-2026-08.log",
		uuid.New(),
		uuid.New(),
		batchSize,
		analysis.WithTimeProvider(&fixedClock{current: time.Now()}),
		analysis.WithMetadata(map[string]string{"source": "firewall"}),
	)
	require.NoError(t, err)
	return job
}

func TestJobStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 50)
	err := store.CreateJob(ctx, job)
	require.NoError(t, err)

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, job.JobID(), loaded.JobID())
	assert.Equal(t, job.FileID(), loaded.FileID())
	assert.Equal(t, job.OrgID(), loaded.OrgID())
	assert.Equal(t, analysis.JobStatusQueued, loaded.Status())
	assert.Equal(t, 50, loaded.BatchSize())
	assert.Equal(t, 0, loaded.CurrentBatch())
	assert.Equal(t, map[string]string{"source": "firewall"}, loaded.Metadata())
	assert.True(t, loaded.StartTime().IsZero(), "queued jobs should not have a start time")

	_, known := loaded.TotalBatches()
	assert.False(t, known, "totals should be unknown before the first batch read")
}

func TestJobStore_GetJob_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	_, err := store.GetJob(ctx, uuid.New())
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_SaveJob_RoundTripsProgress(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 50)
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, job.Start())
	require.NoError(t, job.SetTotals(250))
	require.NoError(t, job.ApplyBatchResult(50, 3, 2))

	err := store.SaveJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.Version(), "successful save should advance the in-memory version")

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)

	assert.Equal(t, analysis.JobStatusRunning, loaded.Status())
	assert.Equal(t, 1, loaded.CurrentBatch())
	assert.Equal(t, int64(50), loaded.LinesProcessed())
	assert.Equal(t, 3, loaded.IssuesFound())
	assert.Equal(t, 2, loaded.AlertsCreated())
	assert.Equal(t, int64(1), loaded.Version())
	assert.False(t, loaded.StartTime().IsZero())

	totalBatches, known := loaded.TotalBatches()
	require.True(t, known)
	assert.Equal(t, 5, totalBatches)

	totalLines, known := loaded.TotalLines()
	require.True(t, known)
	assert.Equal(t, int64(250), totalLines)
}

func TestJobStore_SaveJob_VersionConflict(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 10)
	require.NoError(t, store.CreateJob(ctx, job))

	// Two actors load the same record.
	first, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	second, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)

	require.NoError(t, first.Start())
	require.NoError(t, store.SaveJob(ctx, first))

	require.NoError(t, second.Start())
	err = store.SaveJob(ctx, second)
	require.ErrorIs(t, err, analysis.ErrVersionConflict)
}

func TestJobStore_SaveJob_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 10)
	err := store.SaveJob(ctx, job)
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_RequestPause_VisibleViaControlFlags(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 25)
	require.NoError(t, store.CreateJob(ctx, job))

	flags, err := store.GetControlFlags(ctx, job.JobID())
	require.NoError(t, err)
	assert.False(t, flags.PauseRequested)
	assert.False(t, flags.CancelRequested)

	require.NoError(t, store.RequestPause(ctx, job.JobID()))

	flags, err = store.GetControlFlags(ctx, job.JobID())
	require.NoError(t, err)
	assert.True(t, flags.PauseRequested)
	assert.False(t, flags.CancelRequested)
}

func TestJobStore_RequestPause_DoesNotAdvanceVersion(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 25)
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, store.RequestPause(ctx, job.JobID()))

	// The worker's stale copy must still save cleanly: flag writes are
	// version-neutral.
	require.NoError(t, job.Start())
	require.NoError(t, store.SaveJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.True(t, loaded.PauseRequested(), "save without a flag clear must preserve the pause signal")
}

func TestJobStore_SaveJob_ClearsOnlyObservedFlags(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 25)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, job.Start())
	require.NoError(t, store.SaveJob(ctx, job))

	require.NoError(t, store.RequestPause(ctx, job.JobID()))

	// Worker observes the pause at a batch boundary and acknowledges it.
	worker, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	require.True(t, worker.PauseRequested())
	require.NoError(t, worker.AcknowledgePause())
	require.NoError(t, store.SaveJob(ctx, worker))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusPaused, loaded.Status())
	assert.False(t, loaded.PauseRequested(), "acknowledged pause flag should be reset")
	assert.False(t, loaded.CancelRequested())
}

func TestJobStore_RequestCancel_NotFound(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	err := store.RequestCancel(ctx, uuid.New())
	require.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestJobStore_ListJobsByStatus(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	queued := createTestJob(t, 10)
	require.NoError(t, store.CreateJob(ctx, queued))

	running := createTestJob(t, 10)
	require.NoError(t, store.CreateJob(ctx, running))
	require.NoError(t, running.Start())
	require.NoError(t, store.SaveJob(ctx, running))

	done := createTestJob(t, 10)
	require.NoError(t, store.CreateJob(ctx, done))
	require.NoError(t, done.Start())
	require.NoError(t, done.SetTotals(0))
	require.NoError(t, done.Complete())
	require.NoError(t, store.SaveJob(ctx, done))

	active, err := store.ListJobsByStatus(ctx, analysis.JobStatusQueued, analysis.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, active, 2)

	ids := []uuid.UUID{active[0].JobID(), active[1].JobID()}
	assert.Contains(t, ids, queued.JobID())
	assert.Contains(t, ids, running.JobID())

	none, err := store.ListJobsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobStore_FailedJobKeepsErrorMessage(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupJobTest(t)
	defer cleanup()

	job := createTestJob(t, 10)
	require.NoError(t, store.CreateJob(ctx, job))
	require.NoError(t, job.Start())
	require.NoError(t, job.Fail("classifier rejected the batch payload"))
	require.NoError(t, store.SaveJob(ctx, job))

	loaded, err := store.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusFailed, loaded.Status())
	assert.Equal(t, "classifier rejected the batch payload", loaded.ErrorMessage())

	_, hasEnd := loaded.EndTime()
	assert.True(t, hasEnd)
}
