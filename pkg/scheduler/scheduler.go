package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"zeitschaltuhr/pkg/clock"
	"zeitschaltuhr/pkg/eventbus"
	"zeitschaltuhr/pkg/logx"
	"zeitschaltuhr/pkg/timetable"
)

var (
	ErrRunning  = errors.New("scheduler already running")
	ErrNoSource = errors.New("schedule source required")
	ErrNoTask   = errors.New("task required")
)

const (
	defaultLateTolerance = 10 * time.Second

	// Overdue warnings are throttled per entry so a long replay of past
	// instants cannot flood the log.
	lateWarnEvery = 30 * time.Second
)

// New builds a scheduler. The bus may be nil; lifecycle events are then
// skipped. The timezone is resolved once, with a fallback to Local when the
// name does not load.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LateTolerance <= 0 {
		cfg.LateTolerance = defaultLateTolerance
	}

	loc := loadLocation(cfg.Timezone, log)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System(loc)
	}

	return &Scheduler{
		cfg: cfg,
		log: log,
		bus: bus,
		loc: loc,
		clk: clk,
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the zone cron sources are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Register binds a source to a task and returns the new entry's id. It never
// blocks: when the scheduler is running the entry's execution path starts
// immediately, otherwise it starts with Run. Safe to call concurrently with
// a running Run; registration is append-only.
func (s *Scheduler) Register(name string, src timetable.Source, task Task) (string, error) {
	if src == nil {
		return "", ErrNoSource
	}
	if task == nil {
		return "", ErrNoTask
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	id := fmt.Sprintf("entry-%d", s.seq)
	if strings.TrimSpace(name) == "" {
		name = id
	}

	e := &entry{
		id:       id,
		name:     name,
		src:      src,
		task:     task,
		state:    StatePending,
		lateWarn: rate.NewLimiter(rate.Every(lateWarnEvery), 1),
	}
	s.entries = append(s.entries, e)

	if s.running && s.runCtx != nil && s.runCtx.Err() == nil {
		s.startLocked(s.runCtx, e)
	}

	s.log.Debug("entry registered", logx.String("entry", name), logx.String("id", id), logx.Bool("running", s.running))
	return id, nil
}

// Run starts every registered execution path and blocks until ctx is
// cancelled, then waits for all paths to wind down. It returns ctx.Err().
// A concurrent second Run returns ErrRunning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.runCtx = ctx
	for _, e := range s.entries {
		s.startLocked(ctx, e)
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.log.Info("scheduler running", logx.String("tz", s.loc.String()), logx.Int("entries", n))

	<-ctx.Done()

	// Flip running before waiting so late Register calls cannot start paths
	// while the waitgroup drains.
	s.mu.Lock()
	s.running = false
	s.runCtx = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return ctx.Err()
}

// startLocked launches the entry's path once. Callers hold s.mu.
func (s *Scheduler) startLocked(ctx context.Context, e *entry) {
	if e.started {
		return
	}
	e.started = true
	s.wg.Add(1)
	go s.runEntry(ctx, e)
}

// runEntry is one execution path: pull the next due instant, wait for it,
// fire the task, repeat until the source is exhausted or ctx is cancelled.
// Paths share nothing mutable, so one slow or broken task never delays the
// others.
func (s *Scheduler) runEntry(ctx context.Context, e *entry) {
	defer s.wg.Done()

	log := s.log.With(logx.String("entry", e.name), logx.String("id", e.id))

	// The cursor is created here so catch-up alignment happens when the
	// path starts, not at registration.
	it := e.src.Times(s.loc)

	for {
		due, ok := it.Next()
		if !ok {
			runs := e.snapshotRuns()
			e.setState(StateExhausted)
			log.Info("entry.exhausted", logx.Uint64("runs", runs))
			s.publish("entry.exhausted", eventbus.Event{Data: EntryEvent{ID: e.id, Name: e.name, Runs: runs}})
			return
		}

		e.setPending(due)

		delay := due.Sub(s.clk.Now())
		if delay < 0 {
			// An overdue instant fires immediately, never skipped.
			delay = 0
		}
		if !s.wait(ctx, delay) {
			e.setState(StateStopped)
			log.Debug("entry.stopped")
			return
		}

		e.setState(StateDue)
		if late := s.clk.Now().Sub(due); late > s.cfg.LateTolerance && e.lateWarn.Allow() {
			log.Warn("entry fired late; catching up", logx.Duration("late", late), logx.Time("due", due))
		}

		e.setState(StateExecuting)
		started := time.Now()
		if !s.invoke(log, e, due, started) {
			e.setState(StateAborted)
			return
		}

		seq := e.markFired(started)
		dur := time.Since(started)
		log.Debug("entry.fired", logx.Time("due", due), logx.Duration("dur", dur), logx.Uint64("seq", seq))
		s.publish("entry.fired", eventbus.Event{Time: started, Data: EntryEvent{
			ID: e.id, Name: e.name, Due: due, Started: started, Duration: dur, Seq: seq,
		}})

		e.setState(StatePending)
	}
}

// wait sleeps until the delay elapses. It reports false when ctx is
// cancelled first; a zero delay still honors an already-cancelled ctx.
func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}

// invoke fires the task. A panic is contained here: it ends this path only,
// with a stack in the log and an abort event on the bus.
func (s *Scheduler) invoke(log logx.Logger, e *entry, due, started time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			log.Error("entry.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			s.publish("entry.aborted", eventbus.Event{Data: EntryEvent{
				ID: e.id, Name: e.name, Due: due, Started: started, Panic: fmt.Sprint(r),
			}})
		}
	}()
	e.task.Execute()
	return true
}

func (s *Scheduler) publish(typ string, e eventbus.Event) {
	if s.bus == nil {
		return
	}
	e.Type = typ
	s.bus.Publish(e)
}

func (e *entry) setPending(due time.Time) {
	e.mu.Lock()
	e.state = StatePending
	e.nextDue = due
	e.mu.Unlock()
}

func (e *entry) setState(st State) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

func (e *entry) markFired(at time.Time) uint64 {
	e.mu.Lock()
	e.lastFired = at
	e.runs++
	n := e.runs
	e.mu.Unlock()
	return n
}

func (e *entry) snapshotRuns() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs
}

func (e *entry) info() EntryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EntryInfo{
		ID:        e.id,
		Name:      e.name,
		State:     e.state.String(),
		NextDue:   e.nextDue,
		LastFired: e.lastFired,
		Runs:      e.runs,
	}
}
