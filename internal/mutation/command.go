package mutation

import (
	"errors"

	"github.com/roach88/prayersync/internal/cache"
)

// Command is a reversible cache write.
type Command interface {
	// Apply performs the write. A command applies at most once.
	Apply(s *cache.Store) error
	// Undo reverts the write if the value it wrote is still current and
	// reports whether the store changed.
	Undo(s *cache.Store) bool
}

// ErrAlreadyApplied is returned when a command is applied twice.
var ErrAlreadyApplied = errors.New("mutation: command already applied")

// OptimisticWrite replaces the value at Key with the result of Transform.
//
// Apply cancels any in-flight fetch of the key first, so a response that
// left the server before the write can never overwrite it. It records the
// entry as it was immediately before the write. Undo restores that entry
// through a compare-and-restore on the revision Apply produced.
type OptimisticWrite struct {
	Key cache.Key

	// Transform derives the new value from the current one. Returning
	// false leaves the entry untouched.
	Transform func(cur any, present bool) (any, bool)

	prev    cache.Entry
	hadPrev bool
	rev     int64
	applied bool
}

// NewWrite returns a command that stores value at key as-is.
func NewWrite(key cache.Key, value any) *OptimisticWrite {
	return &OptimisticWrite{
		Key: key,
		Transform: func(any, bool) (any, bool) {
			return value, true
		},
	}
}

// Apply implements Command.
func (w *OptimisticWrite) Apply(s *cache.Store) error {
	if w.applied {
		return ErrAlreadyApplied
	}
	w.applied = true

	s.CancelFetch(w.Key)
	prev, hadPrev, e, ok := s.Swap(w.Key, s.PolicyFor(w.Key), w.Transform)
	w.prev, w.hadPrev = prev, hadPrev
	if ok {
		w.rev = e.Revision
	}
	return nil
}

// Undo implements Command.
func (w *OptimisticWrite) Undo(s *cache.Store) bool {
	if !w.applied || w.rev == 0 {
		return false
	}
	if !s.CompareAndRestore(w.Key, w.rev, w.prev, w.hadPrev) {
		return false
	}
	w.rev = 0
	return true
}

// Snapshot returns the entry captured by Apply.
func (w *OptimisticWrite) Snapshot() (cache.Entry, bool) {
	return w.prev, w.hadPrev
}

// Revision returns the revision Apply wrote, or 0 when nothing was written.
func (w *OptimisticWrite) Revision() int64 {
	return w.rev
}
