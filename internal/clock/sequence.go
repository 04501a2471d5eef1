package clock

import "sync/atomic"

// Sequence is a monotonic logical counter.
//
// The cache stamps every write with the next value, which gives each
// entry version a unique revision. Mutation rollback compares revisions
// to decide whether an optimistic value is still current.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence starting at start.
// Used when restoring a persisted cache so revisions keep increasing.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next value. Every call returns a unique, increasing value.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

// Observe raises the sequence to at least v.
func (s *Sequence) Observe(v int64) {
	for {
		cur := s.seq.Load()
		if v <= cur || s.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
