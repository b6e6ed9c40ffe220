package engine

import "sync/atomic"

// Sequence numbers dispatched events. Stamps start at 1 and never repeat;
// the dispatcher logs them so lines from different interests can be put
// back in dispatch order.
type Sequence struct {
	last atomic.Uint64
}

// NewSequence returns a sequence whose first stamp is after+1.
func NewSequence(after uint64) *Sequence {
	s := &Sequence{}
	s.last.Store(after)
	return s
}

// Stamp hands out the next number.
func (s *Sequence) Stamp() uint64 {
	return s.last.Add(1)
}

// Last is the most recent stamp, or the starting point if none was taken.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}
