package refresh

import "time"

// windowTracker remembers when each resource was last force-refreshed and
// admits at most one forced refresh per window.
//
// Not safe for concurrent use; the Scheduler guards it with its mutex.
type windowTracker struct {
	window time.Duration
	last   map[string]time.Time
}

func newWindowTracker(window time.Duration) *windowTracker {
	return &windowTracker{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether resource may be refreshed at now. It does not
// record the refresh; call Mark for that.
func (w *windowTracker) Allow(resource string, now time.Time) bool {
	last, ok := w.last[resource]
	if !ok || w.window <= 0 {
		return true
	}
	return !now.Before(last.Add(w.window))
}

// Mark records a refresh of resource at now.
func (w *windowTracker) Mark(resource string, now time.Time) {
	w.last[resource] = now
}

// Reset forgets every window.
func (w *windowTracker) Reset() {
	w.last = make(map[string]time.Time)
}
