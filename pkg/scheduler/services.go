package scheduler

import (
	"context"
	"time"

	"github.com/bookhaven/bookhaven/pkg/library"
	"github.com/robinjoseph08/golib/logger"
	"github.com/thejerf/suture/v4"
)

// PeriodicService triggers a scan every interval.
type PeriodicService struct {
	scheduler *Scheduler
	interval  time.Duration
}

func (s *Scheduler) Periodic() *PeriodicService {
	return &PeriodicService{scheduler: s, interval: s.config.PeriodicScanInterval}
}

func (p *PeriodicService) Serve(ctx context.Context) error {
	if p.interval <= 0 {
		return suture.ErrDoNotRestart
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.scheduler.Trigger(ctx, library.SourcePeriodic); err != nil {
				logger.FromContext(ctx).Err(err).Error("periodic scan trigger failed")
			}
		}
	}
}

func (p *PeriodicService) String() string {
	return "periodic-scan"
}

// NewSupervisor builds the supervisor that keeps the background services
// running, logging its lifecycle events.
func NewSupervisor(log logger.Logger, services ...suture.Service) *suture.Supervisor {
	sup := suture.New("bookhaven", suture.Spec{
		EventHook: func(e suture.Event) {
			data := logger.Data{}
			for k, v := range e.Map() {
				data[k] = v
			}
			switch e.Type() {
			case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
				log.Warn(e.String(), data)
			default:
				log.Info(e.String(), data)
			}
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	for _, svc := range services {
		sup.Add(svc)
	}
	return sup
}
