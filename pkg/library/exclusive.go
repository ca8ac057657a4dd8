package library

import (
	"context"
	"time"

	"github.com/bookhaven/bookhaven/pkg/locks"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
)

const (
	// LeaseName is the lease every reconciliation runs under.
	LeaseName = "library-scan"
	// CompletedMark records when a reconciliation last finished.
	CompletedMark = "library-scan:completed"
)

// ReconcileExclusive runs Reconcile under the shared scan lease. It returns
// locks.ErrHeld without touching the catalog when another run holds the
// lease. The run is cancelled once the lease would expire, so a run never
// outlives its exclusivity.
func (r *Reconciler) ReconcileExclusive(ctx context.Context, leases *locks.Store, ttl time.Duration, source Source) (*Result, error) {
	log := logger.FromContext(ctx)

	lease, err := leases.TryAcquire(ctx, LeaseName, ttl)
	if err != nil {
		if errors.Is(err, locks.ErrHeld) {
			return nil, err
		}
		return nil, &StorageError{Err: err}
	}
	defer func() {
		// The run's context may be done by now; the release must still happen.
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Err(err).Error("failed to release scan lease")
		}
	}()

	runCtx, cancel := context.WithDeadline(ctx, lease.ExpiresAt)
	defer cancel()

	result, err := r.Reconcile(runCtx, source)
	if err != nil {
		return nil, err
	}

	if err := leases.Mark(ctx, CompletedMark); err != nil {
		log.Err(err).Warn("failed to record scan completion")
	}
	return result, nil
}
