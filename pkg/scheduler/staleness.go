package scheduler

import (
	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/labstack/echo/v4"
	"github.com/robinjoseph08/golib/logger"
)

// StalenessMiddleware queues a scan in the background when a request arrives
// and the library hasn't been reconciled for ScanRequestStaleness. The
// request itself never waits on it.
func (s *Scheduler) StalenessMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.config.ScanRequestStaleness > 0 {
			s.checkStaleness(c)
		}
		return next(c)
	}
}

func (s *Scheduler) checkStaleness(c echo.Context) {
	ctx := c.Request().Context()
	now := s.now()

	last := s.staleCheckedAt.Load()
	if !last.IsZero() && now.Sub(last) < s.config.ScanMinInterval {
		return
	}
	if !s.staleCheckedAt.CompareAndSwap(last, now) {
		return
	}

	completed, err := s.leases.LastMark(ctx, library.CompletedMark)
	if err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to read last scan time")
		return
	}
	if now.Sub(completed) < s.config.ScanRequestStaleness {
		return
	}

	s.TriggerInBackground(ctx, library.SourceRequest)
}
