package worker

import (
	"context"
	"testing"
	"time"

	"github.com/bookhaven/bookhaven/internal/testgen"
	"github.com/bookhaven/bookhaven/pkg/bookcache"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/covers"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/jobs"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/robinjoseph08/golib/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// testContext holds all the dependencies needed for testing the worker.
type testContext struct {
	t          *testing.T
	ctx        context.Context
	db         *bun.DB
	cfg        *config.Config
	worker     *Worker
	jobService *jobs.Service
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	cfg := config.NewForTest()
	cfg.LibraryDirectory = testgen.TempLibraryDir(t)
	cfg.CoversDirectory = t.TempDir()
	cfg.ScanRetryBaseDelay = time.Second

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	reconciler := library.New(cfg, db, covers.NewStore(cfg), bookcache.Noop{})

	return &testContext{
		t:          t,
		ctx:        logger.New().WithContext(context.Background()),
		db:         db,
		cfg:        cfg,
		worker:     New(cfg, db, reconciler),
		jobService: jobs.NewService(db),
	}
}

func (tc *testContext) createScanJob(maxAttempts int) *models.Job {
	tc.t.Helper()
	job := &models.Job{
		Type:        models.JobTypeScan,
		Status:      models.JobStatusPending,
		DataParsed:  &models.JobScanData{Source: string(library.SourceManual)},
		MaxAttempts: maxAttempts,
	}
	require.NoError(tc.t, tc.jobService.CreateJob(tc.ctx, job))
	return job
}

// claimAndRun runs the job the way the worker's processing loop does.
func (tc *testContext) claimAndRun(job *models.Job) *models.Job {
	tc.t.Helper()
	claimed, err := tc.jobService.ClaimJob(tc.ctx, job, processID)
	require.NoError(tc.t, err)
	require.True(tc.t, claimed)

	tc.worker.run(job)

	stored, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
	require.NoError(tc.t, err)
	return stored
}

func (tc *testContext) bookCount() int {
	tc.t.Helper()
	n, err := tc.db.NewSelect().Model((*models.Book)(nil)).Count(tc.ctx)
	require.NoError(tc.t, err)
	return n
}

func TestScanJob_Completes(t *testing.T) {
	tc := newTestContext(t)
	testgen.GenerateEPUB(t, tc.cfg.LibraryDirectory, "Pride_and_Prejudice.epub", testgen.EPUBOptions{
		Title:      "Pride and Prejudice",
		Identifier: "http://www.gutenberg.org/1342",
	})

	stored := tc.claimAndRun(tc.createScanJob(6))
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Nil(t, stored.Error)

	data := stored.DataParsed.(*models.JobScanData)
	require.NotNil(t, data.Result)
	assert.Equal(t, 1, data.Result.Added)
	assert.Equal(t, 1, tc.bookCount())

	marked, err := tc.worker.leases.LastMark(tc.ctx, library.CompletedMark)
	require.NoError(t, err)
	assert.False(t, marked.IsZero())
}

func TestScanJob_SkippedWhenLeaseHeld(t *testing.T) {
	tc := newTestContext(t)
	testgen.GenerateEPUB(t, tc.cfg.LibraryDirectory, "one.epub", testgen.EPUBOptions{Title: "One", Identifier: "one"})

	_, err := tc.worker.leases.TryAcquire(tc.ctx, library.LeaseName, time.Minute)
	require.NoError(t, err)

	stored := tc.claimAndRun(tc.createScanJob(6))
	assert.Equal(t, models.JobStatusSkipped, stored.Status)
	assert.Equal(t, 0, tc.bookCount())
}

func TestScanJob_RetriesStorageErrors(t *testing.T) {
	tc := newTestContext(t)
	tc.worker.library = library.New(&config.Config{
		Environment:      config.EnvironmentTest,
		LibraryDirectory: "/nonexistent/library",
	}, tc.db, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc.worker.now = func() time.Time { return now }

	job := tc.createScanJob(3)

	stored := tc.claimAndRun(job)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.ProcessID)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "nonexistent")
	assert.WithinDuration(t, now.Add(time.Second), stored.RunAfter, time.Millisecond)

	stored = tc.claimAndRun(job)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.WithinDuration(t, now.Add(3*time.Second), stored.RunAfter, time.Millisecond)

	stored = tc.claimAndRun(job)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	require.NotNil(t, stored.Error)
}

func TestRetryDelay(t *testing.T) {
	tc := newTestContext(t)
	assert.Equal(t, time.Second, tc.worker.retryDelay(1))
	assert.Equal(t, 3*time.Second, tc.worker.retryDelay(2))
	assert.Equal(t, 9*time.Second, tc.worker.retryDelay(3))
	assert.Equal(t, 81*time.Second, tc.worker.retryDelay(5))
}

func TestUnknownJobTypeFails(t *testing.T) {
	tc := newTestContext(t)
	job := tc.createScanJob(3)
	delete(tc.worker.processFuncs, models.JobTypeScan)

	stored := tc.claimAndRun(job)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Contains(t, *stored.Error, "no process function")
}

func TestWorker_WakeRunsPendingJobs(t *testing.T) {
	tc := newTestContext(t)
	testgen.GenerateEPUB(t, tc.cfg.LibraryDirectory, "one.epub", testgen.EPUBOptions{Title: "One", Identifier: "one"})

	tc.worker.Start()
	defer tc.worker.Shutdown()

	job := tc.createScanJob(6)
	tc.worker.Wake()

	assert.Eventually(t, func() bool {
		stored, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
		return err == nil && stored.Status == models.JobStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, tc.bookCount())
}

func TestWorker_DelayedJobsWait(t *testing.T) {
	tc := newTestContext(t)

	job := &models.Job{
		Type:       models.JobTypeScan,
		Status:     models.JobStatusPending,
		DataParsed: &models.JobScanData{},
		RunAfter:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, tc.jobService.CreateJob(tc.ctx, job))

	tc.worker.fetchRunnable()
	assert.Empty(t, tc.worker.queue)

	stored, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
}

func TestWorker_ReclaimsJobsOfCrashedProcesses(t *testing.T) {
	tc := newTestContext(t)

	job := tc.createScanJob(6)
	claimed, err := tc.jobService.ClaimJob(tc.ctx, job, "crashed")
	require.NoError(t, err)
	require.True(t, claimed)

	// Still within the lock timeout: the other process may be working on it.
	tc.worker.fetchRunnable()
	assert.Empty(t, tc.worker.queue)

	_, err = tc.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("updated_at = ?", time.Now().UTC().Add(-2*tc.cfg.ScanLockTimeout)).
		Where("id = ?", job.ID).
		Exec(tc.ctx)
	require.NoError(t, err)

	tc.worker.fetchRunnable()
	require.Len(t, tc.worker.queue, 1)
	queued := <-tc.worker.queue
	assert.Equal(t, job.ID, queued.ID)

	stored, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, stored.Status)
	require.NotNil(t, stored.ProcessID)
	assert.Equal(t, processID, *stored.ProcessID)
}
