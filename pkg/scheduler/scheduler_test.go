package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookhaven/bookhaven/internal/testgen"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/jobs"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
	"github.com/uptrace/bun"
)

type countingWaker struct {
	n atomic.Int32
}

func (w *countingWaker) Wake() {
	w.n.Add(1)
}

type testContext struct {
	t          *testing.T
	ctx        context.Context
	db         *bun.DB
	cfg        *config.Config
	waker      *countingWaker
	scheduler  *Scheduler
	jobService *jobs.Service
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	cfg := config.NewForTest()
	cfg.LibraryDirectory = testgen.TempLibraryDir(t)

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	waker := &countingWaker{}
	return &testContext{
		t:          t,
		ctx:        logger.New().WithContext(context.Background()),
		db:         db,
		cfg:        cfg,
		waker:      waker,
		scheduler:  New(cfg, db, waker),
		jobService: jobs.NewService(db),
	}
}

func (tc *testContext) scanJobs() []*models.Job {
	tc.t.Helper()
	j, err := tc.jobService.ListJobs(tc.ctx, jobs.ListJobsOptions{})
	require.NoError(tc.t, err)
	return j
}

func (tc *testContext) finish(id int) {
	tc.t.Helper()
	job, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: &id})
	require.NoError(tc.t, err)
	job.Status = models.JobStatusCompleted
	require.NoError(tc.t, tc.jobService.UpdateJob(tc.ctx, job, jobs.UpdateJobOptions{Columns: []string{"status"}}))
}

func TestTrigger_QueuesOneJob(t *testing.T) {
	tc := newTestContext(t)

	result, err := tc.scheduler.Trigger(tc.ctx, library.SourceStartup)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, result.Outcome)
	require.NotNil(t, result.JobID)
	assert.EqualValues(t, 1, tc.waker.n.Load())

	j := tc.scanJobs()
	require.Len(t, j, 1)
	assert.Equal(t, tc.cfg.ScanMaxRetries+1, j[0].MaxAttempts)
	assert.Equal(t, string(library.SourceStartup), j[0].DataParsed.(*models.JobScanData).Source)

	// A burst of triggers reuses the queued job.
	for i := 0; i < 5; i++ {
		again, err := tc.scheduler.Trigger(tc.ctx, library.SourceRequest)
		require.NoError(t, err)
		assert.Equal(t, OutcomeActive, again.Outcome)
		assert.Equal(t, *result.JobID, *again.JobID)
	}
	assert.Len(t, tc.scanJobs(), 1)
	assert.EqualValues(t, 1, tc.waker.n.Load())
}

func TestTrigger_Debounces(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.ScanMinInterval = 200 * time.Millisecond

	first, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	tc.finish(*first.JobID)

	second, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDebounced, second.Outcome)
	assert.Nil(t, second.JobID)

	time.Sleep(250 * time.Millisecond)
	third, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, third.Outcome)
	assert.Len(t, tc.scanJobs(), 2)
}

func TestTrigger_RequeuesAbandonedScan(t *testing.T) {
	tc := newTestContext(t)

	first, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	job, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: first.JobID})
	require.NoError(t, err)
	claimed, err := tc.jobService.ClaimJob(tc.ctx, job, "crashed")
	require.NoError(t, err)
	require.True(t, claimed)

	// Just claimed: the worker may not have taken the lease yet.
	again, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, again.Outcome)

	tc.scheduler.now = func() time.Time { return time.Now().Add(2 * orphanGrace) }

	// A live scan holds the lease.
	lease, err := locks.NewStore(tc.db).TryAcquire(tc.ctx, library.LeaseName, time.Hour)
	require.NoError(t, err)
	again, err = tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActive, again.Outcome)
	require.NoError(t, lease.Release(tc.ctx))

	again, err = tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, again.Outcome)
	assert.Equal(t, *first.JobID, *again.JobID)
	assert.EqualValues(t, 2, tc.waker.n.Load())

	stored, err := tc.jobService.RetrieveJob(tc.ctx, jobs.RetrieveJobOptions{ID: first.JobID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Nil(t, stored.ProcessID)
	assert.Len(t, tc.scanJobs(), 1)
}

func TestStalenessMiddleware(t *testing.T) {
	tc := newTestContext(t)
	e := echo.New()
	called := false
	h := tc.scheduler.StalenessMiddleware(func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h(e.NewContext(req, rec)))
	assert.True(t, called)

	// Never scanned, so the request queues one in the background.
	assert.Eventually(t, func() bool {
		return len(tc.scanJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStalenessMiddleware_FreshLibrary(t *testing.T) {
	tc := newTestContext(t)
	require.NoError(t, tc.scheduler.leases.Mark(tc.ctx, library.CompletedMark))

	e := echo.New()
	h := tc.scheduler.StalenessMiddleware(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	require.NoError(t, h(e.NewContext(req, httptest.NewRecorder())))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tc.scanJobs())
}

func TestStalenessMiddleware_Disabled(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.ScanRequestStaleness = 0

	e := echo.New()
	h := tc.scheduler.StalenessMiddleware(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, h(e.NewContext(req, httptest.NewRecorder())))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tc.scanJobs())
}

func TestPeriodicService(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.PeriodicScanInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(tc.ctx)
	done := make(chan error, 1)
	go func() { done <- tc.scheduler.Periodic().Serve(ctx) }()

	assert.Eventually(t, func() bool {
		return len(tc.scanJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	j := tc.scanJobs()
	assert.Equal(t, string(library.SourcePeriodic), j[0].DataParsed.(*models.JobScanData).Source)
}

func TestPeriodicService_Disabled(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.PeriodicScanInterval = 0

	err := tc.scheduler.Periodic().Serve(tc.ctx)
	assert.ErrorIs(t, err, suture.ErrDoNotRestart)
}

func TestWatcherService(t *testing.T) {
	tc := newTestContext(t)
	w := tc.scheduler.Watcher()
	w.quiet = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(tc.ctx)
	defer cancel()
	go func() { _ = w.Serve(ctx) }()

	// Give the watcher a moment to register the tree.
	time.Sleep(100 * time.Millisecond)
	testgen.GenerateEPUB(t, tc.cfg.LibraryDirectory, "new.epub", testgen.EPUBOptions{Title: "New"})

	assert.Eventually(t, func() bool {
		j := tc.scanJobs()
		return len(j) == 1 && j[0].DataParsed.(*models.JobScanData).Source == string(library.SourceWatcher)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherService_RetriesDebouncedTrigger(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.ScanMinInterval = 400 * time.Millisecond
	w := tc.scheduler.Watcher()
	w.quiet = 50 * time.Millisecond

	first, err := tc.scheduler.Trigger(tc.ctx, library.SourceManual)
	require.NoError(t, err)
	tc.finish(*first.JobID)

	ctx, cancel := context.WithCancel(tc.ctx)
	defer cancel()
	go func() { _ = w.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	testgen.GenerateEPUB(t, tc.cfg.LibraryDirectory, "new.epub", testgen.EPUBOptions{Title: "New"})

	assert.Eventually(t, func() bool {
		for _, j := range tc.scanJobs() {
			if j.DataParsed.(*models.JobScanData).Source == string(library.SourceWatcher) {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherService_MissingRoot(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.LibraryDirectory = "/nonexistent/library"

	err := tc.scheduler.Watcher().Serve(tc.ctx)
	assert.Error(t, err)
}

func TestRelevant(t *testing.T) {
	dir := t.TempDir()
	watcher, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	defer watcher.Close()
	ctx := context.Background()

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"epub created", fsnotify.Event{Name: dir + "/a.epub", Op: fsnotify.Create}, true},
		{"epub removed", fsnotify.Event{Name: dir + "/a.EPUB", Op: fsnotify.Remove}, true},
		{"epub renamed", fsnotify.Event{Name: dir + "/a.epub", Op: fsnotify.Rename}, true},
		{"epub chmod", fsnotify.Event{Name: dir + "/a.epub", Op: fsnotify.Chmod}, false},
		{"image created", fsnotify.Event{Name: dir + "/cover.jpg", Op: fsnotify.Create}, false},
		{"directory removed", fsnotify.Event{Name: dir + "/series", Op: fsnotify.Remove}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, relevant(ctx, watcher, tt.event))
		})
	}
}

func TestNewSupervisor(t *testing.T) {
	tc := newTestContext(t)
	tc.cfg.PeriodicScanInterval = 20 * time.Millisecond

	sup := NewSupervisor(logger.New(), tc.scheduler.Periodic())
	ctx, cancel := context.WithCancel(tc.ctx)
	errCh := sup.ServeBackground(ctx)

	assert.Eventually(t, func() bool {
		return len(tc.scanJobs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor didn't stop")
	}
}

func TestScanLibraryHandler(t *testing.T) {
	tc := newTestContext(t)
	h := &handler{scheduler: tc.scheduler}
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/scan-library", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.scanLibrary(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Library scan initiated.", resp.Message)
	require.NotNil(t, resp.JobID)

	// A second request is acknowledged the same way.
	rec = httptest.NewRecorder()
	require.NoError(t, h.scanLibrary(e.NewContext(httptest.NewRequest(http.MethodPost, "/api/scan-library", nil), rec)))
	var again ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, *resp.JobID, *again.JobID)
}
