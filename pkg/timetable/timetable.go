// Package timetable unifies the two ways this project describes "when":
// recurring periods and calendar-style cron expressions. Both are exposed as
// a Source producing an ordered, lazy sequence of due instants, so consumers
// never need to know which kind they hold.
package timetable

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"zeitschaltuhr/pkg/clock"
	"zeitschaltuhr/pkg/period"
)

// Iterator walks an ordered sequence of due instants. Next reports false
// when the sequence is exhausted; exhaustion is terminal. Iterators are not
// safe for concurrent use.
type Iterator interface {
	Next() (time.Time, bool)
}

// Source produces a fresh Iterator of due instants rendered in loc. Period
// sources carry their own zone and ignore loc; cron sources evaluate wall
// times in loc starting from the current clock reading.
type Source interface {
	Times(loc *time.Location) Iterator
}

// FromPeriod adapts a period under the catch-up policy: the first instant is
// aligned past the clock reading at iteration time, then the sequence ticks
// forward by plain addition. This is the default for recurring work.
func FromPeriod(p *period.Period) Source {
	return periodSource{p: p}
}

// FromPeriodFixed adapts a period under the fixed policy: iteration replays
// from the anchor itself, past instants included.
func FromPeriodFixed(p *period.Period) Source {
	return periodSource{p: p, fixed: true}
}

type periodSource struct {
	p     *period.Period
	fixed bool
}

func (s periodSource) Times(_ *time.Location) Iterator {
	if s.fixed {
		return s.p.UpcomingFixed()
	}
	return s.p.Upcoming()
}

// Option customizes schedule-backed sources.
type Option func(*scheduleSource)

// WithClock injects the clock a cron source starts evaluating from.
// Defaults to the system clock.
func WithClock(c clock.Clock) Option {
	return func(s *scheduleSource) {
		if c != nil {
			s.clk = c
		}
	}
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron builds a Source from a cron expression. Accepted forms are the
// usual crontab fields (optionally with a leading seconds field), lists,
// ranges, steps and names, plus descriptors like "@hourly" and "@every 55m".
func ParseCron(expr string, opts ...Option) (Source, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return FromSchedule(sched, opts...), nil
}

// FromSchedule adapts an already-parsed cron schedule. The sequence is
// finite when the schedule cannot match within the evaluator's search
// horizon (robfig stops a handful of years out), e.g. for impossible dates.
func FromSchedule(sched cron.Schedule, opts ...Option) Source {
	s := scheduleSource{sched: sched}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

type scheduleSource struct {
	sched cron.Schedule
	clk   clock.Clock
}

func (s scheduleSource) Times(loc *time.Location) Iterator {
	if loc == nil {
		loc = time.Local
	}
	clk := s.clk
	if clk == nil {
		clk = clock.System(loc)
	}
	// Seeding with an instant rendered in loc makes unprefixed expressions
	// evaluate their wall times there; CRON_TZ-prefixed ones keep their own.
	return &scheduleIterator{sched: s.sched, prev: clk.Now().In(loc)}
}

type scheduleIterator struct {
	sched cron.Schedule
	prev  time.Time
	done  bool
}

func (it *scheduleIterator) Next() (time.Time, bool) {
	if it.done {
		return time.Time{}, false
	}
	next := it.sched.Next(it.prev)
	if next.IsZero() {
		it.done = true
		return time.Time{}, false
	}
	it.prev = next
	return next, true
}
