package worker

import (
	"context"

	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/bookhaven/bookhaven/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

// ProcessScanJob reconciles the library under the scan lease. A scan that
// finds the lease taken is skipped: the holder is already doing the work.
func (w *Worker) ProcessScanJob(ctx context.Context, job *models.Job) error {
	log := logger.FromContext(ctx)

	data, ok := job.DataParsed.(*models.JobScanData)
	if !ok || data == nil {
		data = &models.JobScanData{}
		job.DataParsed = data
	}
	source := library.Source(data.Source)
	if !source.Valid() {
		source = library.SourceManual
	}

	log.Info("processing scan job", logger.Data{"source": source, "attempt": job.Attempts + 1})

	result, err := w.library.ReconcileExclusive(ctx, w.leases, w.config.ScanLockTimeout, source)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			log.Info("another scan holds the lease")
			return errJobSkipped
		}
		return err
	}

	data.Result = &models.JobScanResults{
		Added:        result.Added,
		Moved:        result.Moved,
		Removed:      result.Removed,
		Duplicates:   result.Duplicates,
		Failed:       result.Failed,
		OrphansSwept: result.OrphansSwept,
	}

	log.Info("finished scan job")
	return nil
}
