// Package lifecycle tracks whether the gateway process is draining so the
// readiness probe can steer new realtime connections away before shutdown.
package lifecycle

import "sync/atomic"

// Lifecycle is shared between the signal handler and the HTTP handlers. A nil
// receiver reports not draining.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
