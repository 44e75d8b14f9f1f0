package lifecycle

import "sync/atomic"

// Lifecycle holds the process lifecycle state shared across handlers.
// When draining, readiness fails and new live sessions are refused;
// sessions already running keep going until shutdown collects them.
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
