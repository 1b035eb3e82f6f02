package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"zeitschaltuhr/pkg/clock"
	"zeitschaltuhr/pkg/eventbus"
	"zeitschaltuhr/pkg/logx"
	"zeitschaltuhr/pkg/timetable"
)

// Task is an opaque side effect fired by the scheduler. The scheduler never
// observes a result; implementations carry their own state and report
// through their own channels.
type Task interface {
	Execute()
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func()

func (f TaskFunc) Execute() { f() }

// Config controls the scheduler.
type Config struct {
	Timezone      string        // IANA TZ for cron evaluation and rendering, e.g. "Europe/Berlin"
	LateTolerance time.Duration // warn when a firing is this much overdue (default 10s)
	Clock         clock.Clock   // defaults to the system clock in the resolved location
}

// State is the lifecycle position of one scheduled entry's execution path.
type State int

const (
	StatePending   State = iota // holds a next-due instant not yet reached
	StateDue                    // wall clock reached the due instant
	StateExecuting              // task invocation in progress
	StateExhausted              // source depleted; path ended quietly
	StateStopped                // run context cancelled at the wait point
	StateAborted                // task panicked; only this path ended
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDue:
		return "due"
	case StateExecuting:
		return "executing"
	case StateExhausted:
		return "exhausted"
	case StateStopped:
		return "stopped"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// entry binds one temporal source to one task. Owned by the scheduler;
// its execution path is the only writer of the mutable fields.
type entry struct {
	id   string
	name string
	src  timetable.Source
	task Task

	started bool // guarded by Scheduler.mu

	mu        sync.Mutex
	state     State
	nextDue   time.Time
	lastFired time.Time
	runs      uint64

	lateWarn *rate.Limiter
}

// Scheduler drives one independent execution path per registered
// (source, task) pair.
type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location
	clk clock.Clock

	mu      sync.Mutex
	entries []*entry // append-only
	seq     uint64
	running bool
	runCtx  context.Context

	wg sync.WaitGroup
}

// EntryInfo is a point-in-time view of one entry.
type EntryInfo struct {
	ID        string
	Name      string
	State     string
	NextDue   time.Time
	LastFired time.Time
	Runs      uint64
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Timezone string
	Running  bool
	Entries  []EntryInfo
}

// EntryEvent is the bus payload for path lifecycle events
// ("entry.fired", "entry.exhausted", "entry.aborted").
type EntryEvent struct {
	ID       string
	Name     string
	Due      time.Time
	Started  time.Time
	Duration time.Duration
	Seq      uint64 // firing count, 1-based
	Runs     uint64 // total runs, set on exhaustion
	Panic    string // set on abort
}
