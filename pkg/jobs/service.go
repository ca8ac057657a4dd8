package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/bookhaven/bookhaven/pkg/errcodes"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

type RetrieveJobOptions struct {
	ID *int
}

type ListJobsOptions struct {
	Limit              *int
	Offset             *int
	Statuses           []string
	Type               *string
	ProcessIDToExclude *string
	// RunnableAt limits the list to jobs whose run_after has passed.
	RunnableAt *time.Time

	includeTotal bool
}

type UpdateJobOptions struct {
	Columns []string
}

type Service struct {
	db  *bun.DB
	now func() time.Time
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db, now: time.Now}
}

func (svc *Service) CreateJob(ctx context.Context, job *models.Job) error {
	now := svc.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.RunAfter.IsZero() {
		job.RunAfter = job.CreatedAt
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}

	if job.Data == "" && job.DataParsed != nil {
		// Marshal the data into a JSON string to save into the database.
		data, err := json.Marshal(job.DataParsed)
		if err != nil {
			return errors.WithStack(err)
		}
		job.Data = string(data)
	}

	_, err := svc.db.
		NewInsert().
		Model(job).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (svc *Service) RetrieveJob(ctx context.Context, opts RetrieveJobOptions) (*models.Job, error) {
	job := &models.Job{}

	q := svc.db.
		NewSelect().
		Model(job)

	if opts.ID != nil {
		q = q.Where("j.id = ?", *opts.ID)
	}

	err := q.Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Job")
		}
		return nil, errors.WithStack(err)
	}

	if job.Data != "" {
		// Unmarshal the data into a struct to be returned.
		err := job.UnmarshalData()
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return job, nil
}

func (svc *Service) ListJobs(ctx context.Context, opts ListJobsOptions) ([]*models.Job, error) {
	j, _, err := svc.listJobsWithTotal(ctx, opts)
	return j, errors.WithStack(err)
}

func (svc *Service) ListJobsWithTotal(ctx context.Context, opts ListJobsOptions) ([]*models.Job, int, error) {
	opts.includeTotal = true
	return svc.listJobsWithTotal(ctx, opts)
}

func (svc *Service) listJobsWithTotal(ctx context.Context, opts ListJobsOptions) ([]*models.Job, int, error) {
	jobs := []*models.Job{}
	var total int
	var err error

	q := svc.db.
		NewSelect().
		Model(&jobs).
		Order("j.created_at ASC", "j.id ASC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.Statuses != nil {
		q = q.WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			for _, s := range opts.Statuses {
				sq = sq.WhereOr("j.status = ?", s)
			}
			return sq
		})
	}
	if opts.Type != nil {
		q = q.Where("j.type = ?", *opts.Type)
	}
	if opts.ProcessIDToExclude != nil {
		q = q.WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.
				Where("j.process_id IS NULL").
				WhereOr("j.process_id != ?", *opts.ProcessIDToExclude)
		})
	}
	if opts.RunnableAt != nil {
		q = q.Where("j.run_after <= ?", opts.RunnableAt.UTC())
	}

	if opts.includeTotal {
		total, err = q.ScanAndCount(ctx)
	} else {
		err = q.Scan(ctx)
	}
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	for _, job := range jobs {
		err := job.UnmarshalData()
		if err != nil {
			return nil, 0, errors.WithStack(err)
		}
	}

	return jobs, total, nil
}

// ActiveJobByType returns the oldest pending or in-progress job of the given
// type, or nil when there is none.
func (svc *Service) ActiveJobByType(ctx context.Context, jobType string) (*models.Job, error) {
	job := &models.Job{}
	err := svc.db.NewSelect().
		Model(job).
		Where("j.type = ?", jobType).
		WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("j.status = ?", models.JobStatusPending).
				WhereOr("j.status = ?", models.JobStatusInProgress)
		}).
		Order("j.created_at ASC", "j.id ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	return job, nil
}

// HasActiveJobByType checks if there's a pending or in-progress job of the given type.
func (svc *Service) HasActiveJobByType(ctx context.Context, jobType string) (bool, error) {
	job, err := svc.ActiveJobByType(ctx, jobType)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

// ClaimJob moves a pending job to in_progress on behalf of processID. It
// reports false when another process got there first.
func (svc *Service) ClaimJob(ctx context.Context, job *models.Job, processID string) (bool, error) {
	now := svc.now().UTC()

	res, err := svc.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", models.JobStatusInProgress).
		Set("process_id = ?", processID).
		Set("updated_at = ?", now).
		Where("id = ?", job.ID).
		Where("status = ?", models.JobStatusPending).
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if n == 0 {
		return false, nil
	}

	job.Status = models.JobStatusInProgress
	job.ProcessID = &processID
	job.UpdatedAt = now
	return true, nil
}

// ResetStaleJobs returns in-progress jobs that other processes haven't
// touched for olderThan to pending, so jobs left behind by a crashed process
// are picked up again.
func (svc *Service) ResetStaleJobs(ctx context.Context, processID string, olderThan time.Duration) (int, error) {
	now := svc.now().UTC()
	res, err := svc.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", models.JobStatusPending).
		Set("process_id = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", models.JobStatusInProgress).
		Where("updated_at <= ?", now.Add(-olderThan)).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("process_id IS NULL").WhereOr("process_id != ?", processID)
		}).
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	return int(n), errors.WithStack(err)
}

// RequeueJob returns an in-progress job to pending, provided it is still held
// by the same process as when it was read. It reports whether it did.
func (svc *Service) RequeueJob(ctx context.Context, job *models.Job) (bool, error) {
	now := svc.now().UTC()
	q := svc.db.NewUpdate().
		Model((*models.Job)(nil)).
		Set("status = ?", models.JobStatusPending).
		Set("process_id = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", job.ID).
		Where("status = ?", models.JobStatusInProgress)
	if job.ProcessID == nil {
		q = q.Where("process_id IS NULL")
	} else {
		q = q.Where("process_id = ?", *job.ProcessID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if n == 0 {
		return false, nil
	}

	job.Status = models.JobStatusPending
	job.ProcessID = nil
	job.UpdatedAt = now
	return true, nil
}

func (svc *Service) UpdateJob(ctx context.Context, job *models.Job, opts UpdateJobOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}

	if job.DataParsed != nil {
		data, err := json.Marshal(job.DataParsed)
		if err != nil {
			return errors.WithStack(err)
		}
		job.Data = string(data)
	}

	// Update updated_at.
	job.UpdatedAt = svc.now().UTC()
	columns := append(opts.Columns, "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(job).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Job")
		}
		return errors.WithStack(err)
	}

	return nil
}
