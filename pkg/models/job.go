package models

import (
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusCompleted  = "completed"
	JobStatusSkipped    = "skipped"
	JobStatusFailed     = "failed"
)

const (
	JobTypeScan = "scan"
)

type Job struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID          int         `bun:",pk,nullzero" json:"id"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Type        string      `bun:",nullzero" json:"type"`
	Status      string      `bun:",nullzero" json:"status"`
	Data        string      `bun:",nullzero" json:"-"`
	DataParsed  interface{} `bun:"-" json:"data"`
	Progress    int         `json:"progress"`
	ProcessID   *string     `json:"process_id,omitempty"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	RunAfter    time.Time   `json:"run_after"`
	Error       *string     `json:"error,omitempty"`
}

func (job *Job) UnmarshalData() error {
	switch job.Type {
	case JobTypeScan:
		job.DataParsed = &JobScanData{}
	default:
		return errors.Errorf("unknown job type %q", job.Type)
	}

	err := json.Unmarshal([]byte(job.Data), job.DataParsed)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// JobScanData records what asked for a scan and, once finished, its outcome.
type JobScanData struct {
	Source string          `json:"source"`
	Result *JobScanResults `json:"result,omitempty"`
}

type JobScanResults struct {
	Added        int `json:"added"`
	Moved        int `json:"moved"`
	Removed      int `json:"removed"`
	Duplicates   int `json:"duplicates"`
	Failed       int `json:"failed"`
	OrphansSwept int `json:"orphans_swept"`
}
