// Package lifecycle holds the process drain state shared by the readiness
// probe and the voice socket.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle flips once from serving to draining. A nil Lifecycle never
// drains.
type Lifecycle struct {
	mu    sync.Mutex
	since time.Time
}

// StartDraining marks the process as draining. It reports whether this call
// started the drain.
func (l *Lifecycle) StartDraining(now time.Time) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.since.IsZero() {
		return false
	}
	l.since = now
	return true
}

func (l *Lifecycle) IsDraining() bool {
	_, ok := l.DrainingSince()
	return ok
}

// DrainingSince returns when draining started.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.since, !l.since.IsZero()
}
