// Package clock abstracts the time source so market-hours checks,
// periodic-rule scheduling, and end-of-day snapshots are testable.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// Frozen is a settable clock for tests.
type Frozen struct {
	mu sync.Mutex
	t  time.Time
}

// NewFrozen returns a clock pinned at t.
func NewFrozen(t time.Time) *Frozen {
	return &Frozen{t: t}
}

// Now returns the frozen time.
func (f *Frozen) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the clock to t.
func (f *Frozen) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}

// Advance moves the clock forward by d.
func (f *Frozen) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

var _ Clock = Real{}
var _ Clock = (*Frozen)(nil)
