package jobs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bookhaven/bookhaven/pkg/binder"
	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/database"
	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/migrations"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/labstack/echo/v4"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	db, err := database.New(config.NewForTest())
	require.NoError(t, err)

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func createScanJob(t *testing.T, svc *Service, status string) *models.Job {
	t.Helper()
	job := &models.Job{
		Type:       models.JobTypeScan,
		Status:     status,
		DataParsed: &models.JobScanData{Source: "manual"},
	}
	require.NoError(t, svc.CreateJob(context.Background(), job))
	return job
}

func TestCreateJob_Defaults(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	job := createScanJob(t, svc, models.JobStatusPending)
	assert.NotZero(t, job.ID)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.False(t, job.RunAfter.IsZero())

	retrieved, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	data, ok := retrieved.DataParsed.(*models.JobScanData)
	require.True(t, ok)
	assert.Equal(t, "manual", data.Source)
}

func TestRetrieveJob_NotFound(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	id := 42
	_, err := svc.RetrieveJob(context.Background(), RetrieveJobOptions{ID: &id})
	assert.Equal(t, errcodes.NotFound("Job"), err)
}

func TestHasActiveJobByType(t *testing.T) {
	tests := []struct {
		name     string
		statuses []string
		want     bool
	}{
		{"no jobs", nil, false},
		{"pending", []string{models.JobStatusPending}, true},
		{"in progress", []string{models.JobStatusInProgress}, true},
		{"completed", []string{models.JobStatusCompleted}, false},
		{"skipped and failed", []string{models.JobStatusSkipped, models.JobStatusFailed}, false},
		{"completed then pending", []string{models.JobStatusCompleted, models.JobStatusPending}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			svc := NewService(db)
			for _, status := range tt.statuses {
				createScanJob(t, svc, status)
			}

			hasActive, err := svc.HasActiveJobByType(context.Background(), models.JobTypeScan)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hasActive)
		})
	}
}

func TestActiveJobByType_ReturnsOldest(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)

	first := createScanJob(t, svc, models.JobStatusInProgress)
	createScanJob(t, svc, models.JobStatusPending)

	job, err := svc.ActiveJobByType(context.Background(), models.JobTypeScan)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first.ID, job.ID)
}

func TestClaimJob_OnlyOnce(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	job := createScanJob(t, svc, models.JobStatusPending)
	other := *job

	claimed, err := svc.ClaimJob(ctx, job, "process-a")
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.JobStatusInProgress, job.Status)

	claimed, err = svc.ClaimJob(ctx, &other, "process-b")
	require.NoError(t, err)
	assert.False(t, claimed)

	retrieved, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	require.NotNil(t, retrieved.ProcessID)
	assert.Equal(t, "process-a", *retrieved.ProcessID)
}

func TestListJobs_RunnableAt(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()
	now := time.Now().UTC()

	ready := createScanJob(t, svc, models.JobStatusPending)
	later := &models.Job{
		Type:       models.JobTypeScan,
		Status:     models.JobStatusPending,
		DataParsed: &models.JobScanData{},
		RunAfter:   now.Add(time.Hour),
	}
	require.NoError(t, svc.CreateJob(ctx, later))

	at := now.Add(time.Second)
	jobs, err := svc.ListJobs(ctx, ListJobsOptions{
		Statuses:   []string{models.JobStatusPending},
		RunnableAt: &at,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ready.ID, jobs[0].ID)

	at = now.Add(2 * time.Hour)
	jobs, err = svc.ListJobs(ctx, ListJobsOptions{RunnableAt: &at})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestResetStaleJobs(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	stale := createScanJob(t, svc, models.JobStatusPending)
	_, err := svc.ClaimJob(ctx, stale, "crashed")
	require.NoError(t, err)
	mine := createScanJob(t, svc, models.JobStatusPending)
	_, err = svc.ClaimJob(ctx, mine, "me")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := svc.ResetStaleJobs(ctx, "me", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	retrieved, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &stale.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retrieved.Status)
	assert.Nil(t, retrieved.ProcessID)
}

func TestRequeueJob(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	job := createScanJob(t, svc, models.JobStatusPending)
	_, err := svc.ClaimJob(ctx, job, "crashed")
	require.NoError(t, err)

	// A copy read before another process took the job over.
	taken := *job
	taken.ProcessID = pointerutil.String("someone-else")
	requeued, err := svc.RequeueJob(ctx, &taken)
	require.NoError(t, err)
	assert.False(t, requeued)

	requeued, err = svc.RequeueJob(ctx, job)
	require.NoError(t, err)
	assert.True(t, requeued)

	retrieved, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, retrieved.Status)
	assert.Nil(t, retrieved.ProcessID)

	requeued, err = svc.RequeueJob(ctx, retrieved)
	require.NoError(t, err)
	assert.False(t, requeued)
}

func TestUpdateJob_PersistsData(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	ctx := context.Background()

	job := createScanJob(t, svc, models.JobStatusInProgress)
	job.Status = models.JobStatusCompleted
	job.DataParsed = &models.JobScanData{
		Source: "manual",
		Result: &models.JobScanResults{Added: 3},
	}
	require.NoError(t, svc.UpdateJob(ctx, job, UpdateJobOptions{Columns: []string{"status", "data"}}))

	retrieved, err := svc.RetrieveJob(ctx, RetrieveJobOptions{ID: &job.ID})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, retrieved.Status)
	data := retrieved.DataParsed.(*models.JobScanData)
	require.NotNil(t, data.Result)
	assert.Equal(t, 3, data.Result.Added)
}

func TestHandlers(t *testing.T) {
	db := newTestDB(t)
	svc := NewService(db)
	h := &handler{jobService: svc}

	done := createScanJob(t, svc, models.JobStatusCompleted)
	createScanJob(t, svc, models.JobStatusPending)

	e := echo.New()
	b, err := binder.New()
	require.NoError(t, err)
	e.Binder = b

	t.Run("list filtered by status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=completed", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		require.NoError(t, h.list(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Jobs  []*models.Job `json:"jobs"`
			Total int           `json:"total"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Total)
		require.Len(t, resp.Jobs, 1)
		assert.Equal(t, done.ID, resp.Jobs[0].ID)
	})

	t.Run("retrieve", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(strconv.Itoa(done.ID))

		require.NoError(t, h.retrieve(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)
	})

	t.Run("retrieve with a bad id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues("abc")

		assert.Equal(t, errcodes.NotFound("Job"), h.retrieve(c))
	})
}
