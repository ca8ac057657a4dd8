package bookcache

import (
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/thejerf/suture/v4"
)

const gcInterval = 10 * time.Minute

// GC returns a supervised service reclaiming value log space left by expired
// and invalidated entries.
func (b *Badger) GC() *GCService {
	return &GCService{cache: b, interval: gcInterval}
}

type GCService struct {
	cache    *Badger
	interval time.Duration
}

func (s *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Keep collecting until a pass finds nothing to rewrite.
			for {
				err := s.cache.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if errors.Is(err, badger.ErrGCInMemoryMode) {
					return suture.ErrDoNotRestart
				}
				if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
					logger.FromContext(ctx).Err(err).Warn("book cache gc failed")
				}
				break
			}
		}
	}
}

func (s *GCService) String() string {
	return "bookcache-gc"
}
