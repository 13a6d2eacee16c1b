package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Linear is a backoff.BackOff whose n-th wait is Base*n.
type Linear struct {
	Base time.Duration
	n    int
}

// NewLinear returns a linear backoff starting at base.
func NewLinear(base time.Duration) *Linear {
	return &Linear{Base: base}
}

// NextBackOff returns the wait before the next retry.
func (l *Linear) NextBackOff() time.Duration {
	l.n++
	return l.Base * time.Duration(l.n)
}

// Reset restarts the sequence.
func (l *Linear) Reset() {
	l.n = 0
}

var _ backoff.BackOff = (*Linear)(nil)
