package writer

import "go.uber.org/atomic"

// Sequence numbers records across the streams of one process.
type Sequence struct {
	n *atomic.Int64
}

// NewSequence returns a Sequence whose first number is 1.
func NewSequence() *Sequence {
	return &Sequence{n: atomic.NewInt64(0)}
}

// Next returns the next number.
func (s *Sequence) Next() int64 {
	return s.n.Inc()
}

// Current returns the last number handed out.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}
