// Package clock abstracts "what time is it now" behind a small capability
// interface so that anything deriving instants from the current time can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock yields the current instant. Reads never fail and implementations
// must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// System returns the wall clock rendered in loc. A nil loc means time.Local.
func System(loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return systemClock{loc: loc}
}

type systemClock struct {
	loc *time.Location
}

func (c systemClock) Now() time.Time { return time.Now().In(c.loc) }

// Fixed returns a clock stuck at t. Handy for tests that need a single
// immutable reading.
func Fixed(t time.Time) Clock { return fixedClock{t: t} }

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

// Fake is a programmable clock for tests. The zero value reads as the zero
// time; use NewFake to start somewhere useful.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock reading start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set moves the clock to t. Time may move backwards; the fake does not judge.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new reading.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}
