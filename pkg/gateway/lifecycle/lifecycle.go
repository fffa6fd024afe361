// Package lifecycle holds process state shared across handlers during
// graceful shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

type Lifecycle struct {
	draining   atomic.Bool
	drainSince atomic.Int64
}

// SetDraining flips the draining flag. The first transition into draining
// records its start time.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.draining.Store(false)
		l.drainSince.Store(0)
		return
	}
	if l.draining.CompareAndSwap(false, true) {
		l.drainSince.Store(time.Now().UnixNano())
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
