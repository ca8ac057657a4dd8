// Package scheduler decides when the library gets reconciled. Every trigger
// (startup, the periodic timer, the watcher, stale requests and manual
// requests) funnels through Trigger, which debounces across processes and
// queues at most one scan job at a time.
package scheduler

import (
	"context"
	"time"

	"github.com/bookhaven/bookhaven/pkg/config"
	"github.com/bookhaven/bookhaven/pkg/jobs"
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// TriggeredMark records when a scan was last queued.
const TriggeredMark = "library-scan:triggered"

// orphanGrace covers the gap between a worker claiming a scan job and taking
// the scan lease.
const orphanGrace = time.Minute

// Waker is told when a job is queued. It's satisfied by *worker.Worker.
type Waker interface {
	Wake()
}

// Outcome of a trigger.
const (
	OutcomeQueued    = "queued"
	OutcomeActive    = "already_active"
	OutcomeDebounced = "debounced"
)

type TriggerResult struct {
	Outcome string `json:"outcome"`
	JobID   *int   `json:"job_id"`
}

type Scheduler struct {
	config     *config.Config
	jobService *jobs.Service
	leases     *locks.Store
	waker      Waker

	now func() time.Time
	// staleCheckedAt throttles the staleness check to one query per
	// ScanMinInterval in this process.
	staleCheckedAt atomicTime
}

func New(cfg *config.Config, db *bun.DB, waker Waker) *Scheduler {
	return &Scheduler{
		config:     cfg,
		jobService: jobs.NewService(db),
		leases:     locks.NewStore(db),
		waker:      waker,
		now:        time.Now,
	}
}

// Trigger queues a scan unless one is already queued or running, or a scan
// was queued less than ScanMinInterval ago. It never waits for the scan.
func (s *Scheduler) Trigger(ctx context.Context, source library.Source) (*TriggerResult, error) {
	log := logger.FromContext(ctx).Data(logger.Data{"source": source})

	active, err := s.jobService.ActiveJobByType(ctx, models.JobTypeScan)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if active != nil {
		requeued, err := s.requeueOrphan(ctx, active)
		if err != nil {
			return nil, err
		}
		if requeued {
			log.Warn("requeued scan abandoned by its process", logger.Data{"job_id": active.ID})
			if s.waker != nil {
				s.waker.Wake()
			}
			return &TriggerResult{Outcome: OutcomeQueued, JobID: &active.ID}, nil
		}
		log.Debug("scan already queued", logger.Data{"job_id": active.ID})
		return &TriggerResult{Outcome: OutcomeActive, JobID: &active.ID}, nil
	}

	ok, err := s.leases.Throttle(ctx, TriggeredMark, s.config.ScanMinInterval)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if !ok {
		log.Debug("scan triggered too recently")
		return &TriggerResult{Outcome: OutcomeDebounced}, nil
	}

	job := &models.Job{
		Type:        models.JobTypeScan,
		Status:      models.JobStatusPending,
		DataParsed:  &models.JobScanData{Source: string(source)},
		MaxAttempts: s.config.ScanMaxRetries + 1,
	}
	if err := s.jobService.CreateJob(ctx, job); err != nil {
		return nil, errors.WithStack(err)
	}

	log.Info("scan queued", logger.Data{"job_id": job.ID})
	if s.waker != nil {
		s.waker.Wake()
	}

	return &TriggerResult{Outcome: OutcomeQueued, JobID: &job.ID}, nil
}

// requeueOrphan returns an in-progress scan job to pending when nobody holds
// the scan lease and the job was claimed more than orphanGrace ago. Such a
// job was left behind by a process that died mid-scan.
func (s *Scheduler) requeueOrphan(ctx context.Context, job *models.Job) (bool, error) {
	if job.Status != models.JobStatusInProgress {
		return false, nil
	}
	if s.now().Sub(job.UpdatedAt) < orphanGrace {
		return false, nil
	}
	holder, err := s.leases.Holder(ctx, library.LeaseName)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if holder != nil {
		return false, nil
	}
	requeued, err := s.jobService.RequeueJob(ctx, job)
	return requeued, errors.WithStack(err)
}

// TriggerInBackground fires a trigger without tying it to the caller's
// lifetime. Failures are logged.
func (s *Scheduler) TriggerInBackground(ctx context.Context, source library.Source) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if _, err := s.Trigger(ctx, source); err != nil {
			logger.FromContext(ctx).Err(err).Error("failed to trigger scan", logger.Data{"source": source})
		}
	}()
}
