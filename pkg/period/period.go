// Package period models a repeatable interval anchored at a start instant.
//
// A Period yields lazy sequences of due instants under one of two policies:
// fixed (replay from the anchor, past values included) and catch-up (align
// the first instant past the clock's current reading once, then tick forward
// by plain addition).
//
// Instants are absolute points in time. Adding the interval crosses DST
// transitions by elapsed time, not by wall-clock labels: one hour after
// 01:30 CET on the spring-forward night is 03:30 CEST.
package period

import (
	"errors"
	"time"

	"zeitschaltuhr/pkg/clock"
)

var (
	ErrZeroDuration     = errors.New("period duration is zero")
	ErrNegativeDuration = errors.New("period duration is negative")
)

// Period is an immutable recurring interval: every `every`, starting at
// `start`. Obtain due instants via Upcoming or UpcomingFixed; each call
// starts a fresh, independent cursor.
type Period struct {
	start time.Time
	every time.Duration
	clk   clock.Clock
}

// Option customizes period construction.
type Option func(*Period)

// WithClock injects the clock used for catch-up alignment. Defaults to the
// system clock in the start instant's location.
func WithClock(c clock.Clock) Option {
	return func(p *Period) {
		if c != nil {
			p.clk = c
		}
	}
}

// StartingAt builds a Period anchored at start, recurring every `every`.
// The duration must be strictly positive; zero and negative durations are
// construction-time errors.
func StartingAt(start time.Time, every time.Duration, opts ...Option) (*Period, error) {
	if every == 0 {
		return nil, ErrZeroDuration
	}
	if every < 0 {
		return nil, ErrNegativeDuration
	}

	p := &Period{start: start, every: every}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.clk == nil {
		p.clk = clock.System(start.Location())
	}
	return p, nil
}

// StartingNow builds a Period anchored at the clock's current reading.
func StartingNow(every time.Duration, opts ...Option) (*Period, error) {
	p := &Period{every: every}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.clk == nil {
		p.clk = clock.System(time.Local)
	}
	return StartingAt(p.clk.Now(), every, WithClock(p.clk))
}

// Start returns the anchor instant.
func (p *Period) Start() time.Time { return p.start }

// Every returns the interval length.
func (p *Period) Every() time.Duration { return p.every }

// The two generation policies form a closed set, so they are a plain tag
// picked at cursor construction rather than an interface.
type strategy int

const (
	fixed strategy = iota
	catchUpOnce
)

// UpcomingFixed starts a cursor at the anchor itself. The n-th value is
// exactly start + n*every; values may lie in the past, which makes replay
// and backfill possible.
func (p *Period) UpcomingFixed() *Iterator { return p.sequence(fixed) }

// Upcoming starts a cursor whose first value is the smallest
// start + k*every (k >= 0) strictly after the clock's current reading.
// A start in the future is yielded unchanged; a reading exactly equal to
// start yields start + every.
//
// Alignment happens once, here. After that the cursor ticks forward by
// plain addition and never re-synchronizes against the clock, even if the
// process sleeps through several intervals.
func (p *Period) Upcoming() *Iterator { return p.sequence(catchUpOnce) }

func (p *Period) sequence(s strategy) *Iterator {
	first := p.start
	if s == catchUpOnce {
		first = nextAligned(p.start, p.every, p.clk.Now())
	}
	return &Iterator{next: first, every: p.every}
}

// nextAligned pushes start forward onto its own grid until strictly after
// now. Arithmetic stays in absolute durations, so alignment is exact across
// DST transitions.
func nextAligned(start time.Time, every time.Duration, now time.Time) time.Time {
	diff := now.Sub(start)
	if diff < 0 {
		return start
	}
	k := diff / every // whole intervals elapsed, floored
	return start.Add((k + 1) * every)
}

// Iterator is an unbounded cursor over a period's due instants. It copies
// the period's fields at creation, so concurrently held cursors never share
// state. Not safe for concurrent use by multiple goroutines.
type Iterator struct {
	next  time.Time
	every time.Duration
}

// Next yields the next due instant. The boolean is always true; it exists
// so period cursors and finite calendar-schedule cursors share a shape.
func (it *Iterator) Next() (time.Time, bool) {
	t := it.next
	it.next = t.Add(it.every)
	return t, true
}
