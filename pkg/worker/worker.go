package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/jobs"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/uptrace/bun"
)

var processID = randStringBytes(8)

// errJobSkipped finishes a job as skipped instead of completed.
var errJobSkipped = errors.New("job skipped")

const pollInterval = 5 * time.Second

type Worker struct {
	config *config.Config
	log    logger.Logger

	processFuncs map[string]func(ctx context.Context, job *models.Job) error

	jobService *jobs.Service
	leases     *locks.Store
	library    *library.Reconciler

	queue          chan *models.Job
	wake           chan struct{}
	shutdown       chan struct{}
	doneFetching   chan struct{}
	doneProcessing chan struct{}

	now func() time.Time
}

func New(cfg *config.Config, db *bun.DB, reconciler *library.Reconciler) *Worker {
	w := &Worker{
		config: cfg,
		log:    logger.New(),

		jobService: jobs.NewService(db),
		leases:     locks.NewStore(db),
		library:    reconciler,

		queue:          make(chan *models.Job, cfg.WorkerProcesses),
		wake:           make(chan struct{}, 1),
		shutdown:       make(chan struct{}),
		doneFetching:   make(chan struct{}),
		doneProcessing: make(chan struct{}, cfg.WorkerProcesses),

		now: time.Now,
	}

	w.processFuncs = map[string]func(ctx context.Context, job *models.Job) error{
		models.JobTypeScan: w.ProcessScanJob,
	}

	return w
}

func (w *Worker) Start() {
	go w.fetchJobs()
	for i := 0; i < w.config.WorkerProcesses; i++ {
		go w.processJobs()
	}
}

// Wake makes the worker look for runnable jobs now instead of at its next
// poll. It never blocks.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) fetchJobs() {
	timer := time.NewTimer(pollInterval)

	for {
		select {
		case <-w.shutdown:
			// We're shutting down, so stop adding more jobs to the queue.
			timer.Stop()
			w.doneFetching <- struct{}{}
			return
		case <-w.wake:
		case <-timer.C:
		}

		w.fetchRunnable()
		timer.Reset(pollInterval)
	}
}

// fetchRunnable first returns jobs abandoned by other processes to the
// queue, then claims what is runnable.
func (w *Worker) fetchRunnable() {
	ctx := context.Background()

	n, err := w.jobService.ResetStaleJobs(ctx, processID, w.config.ScanLockTimeout)
	if err != nil {
		w.log.Err(err).Error("reset stale jobs error")
	} else if n > 0 {
		w.log.Info("returned stale jobs to the queue", logger.Data{"count": n})
	}

	now := w.now()

	j, err := w.jobService.ListJobs(ctx, jobs.ListJobsOptions{
		Limit:      pointerutil.Int(w.config.WorkerProcesses),
		Statuses:   []string{models.JobStatusPending},
		RunnableAt: &now,
	})
	if err != nil {
		w.log.Err(err).Error("list jobs error")
		return
	}

	for _, job := range j {
		claimed, err := w.jobService.ClaimJob(ctx, job, processID)
		if err != nil {
			w.log.Err(err).Error("claim job error")
			continue
		}
		if !claimed {
			continue
		}
		select {
		case w.queue <- job:
		case <-w.shutdown:
			return
		}
	}
}

func (w *Worker) processJobs() {
	for {
		select {
		case <-w.shutdown:
			w.doneProcessing <- struct{}{}
			return
		case job := <-w.queue:
			w.run(job)
		}
	}
}

// run invokes the job's process function and records the outcome. The job
// must already be claimed.
func (w *Worker) run(job *models.Job) {
	// Prep the context to be passed down to the process function.
	id, err := uuid.NewRandom()
	if err != nil {
		w.log.Err(err).Error("new uuid error")
		return
	}
	log := w.log.ID(id.String()).Root(logger.Data{"job_id": job.ID, "type": job.Type, "process_id": processID})
	ctx := log.WithContext(context.Background())

	// Find and invoke the appropriate process function.
	fn, ok := w.processFuncs[job.Type]
	if !ok {
		err = errors.Errorf("no process function for job type %q", job.Type)
	} else {
		err = fn(ctx, job)
	}

	columns := []string{"status", "data", "process_id", "attempts", "run_after", "error"}
	switch {
	case err == nil:
		job.Status = models.JobStatusCompleted
		job.Error = nil
	case errors.Is(err, errJobSkipped):
		log.Info("job skipped")
		job.Status = models.JobStatusSkipped
		job.Error = nil
	default:
		job.Attempts++
		job.Error = pointerutil.String(err.Error())
		if library.IsRetryable(err) && job.Attempts < job.MaxAttempts {
			delay := w.retryDelay(job.Attempts)
			log.Err(err).Warn("job failed, retrying", logger.Data{"attempt": job.Attempts, "delay": delay.String()})
			job.Status = models.JobStatusPending
			job.ProcessID = nil
			job.RunAfter = w.now().UTC().Add(delay)
		} else {
			log.Err(err).Error("job failed")
			job.Status = models.JobStatusFailed
		}
	}

	// The job's outcome is recorded even when shutdown is underway.
	if err := w.jobService.UpdateJob(ctx, job, jobs.UpdateJobOptions{Columns: columns}); err != nil {
		log.Err(err).Error("update job error")
		return
	}

	if job.Status == models.JobStatusPending {
		w.Wake()
	}
}

// retryDelay is the wait before the given attempt is retried: the base delay
// for the first retry, tripling for each one after it.
func (w *Worker) retryDelay(attempts int) time.Duration {
	return time.Duration(float64(w.config.ScanRetryBaseDelay) * math.Pow(3, float64(attempts-1)))
}

func (w *Worker) Shutdown() {
	close(w.shutdown)

	<-w.doneFetching
	for i := 0; i < w.config.WorkerProcesses; i++ {
		<-w.doneProcessing
	}
}

const letterBytes = "abcdef0123456789"

func randStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}
