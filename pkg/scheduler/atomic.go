package scheduler

import (
	"sync/atomic"
	"time"
)

type atomicTime struct {
	nanos atomic.Int64
}

func (t *atomicTime) Load() time.Time {
	n := t.nanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// CompareAndSwap sets the time to next if it still holds prev.
func (t *atomicTime) CompareAndSwap(prev, next time.Time) bool {
	var p int64
	if !prev.IsZero() {
		p = prev.UnixNano()
	}
	return t.nanos.CompareAndSwap(p, next.UnixNano())
}
