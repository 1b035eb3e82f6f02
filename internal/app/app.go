package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zeitschaltuhr/internal/journal"
	"zeitschaltuhr/pkg/eventbus"
	"zeitschaltuhr/pkg/logx"
	"zeitschaltuhr/pkg/scheduler"
	"zeitschaltuhr/pkg/sdnotify"
	"zeitschaltuhr/pkg/timetable"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *journal.Store

	sched *scheduler.Scheduler
}

func New(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Run journal (optional)
	jcfg, err := mapJournalConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := journal.Open(jcfg, log.With(logx.String("comp", "journal")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("journal enabled", logx.String("path", store.Path()))
	}

	lateTol, err := parseDurationField("late_tolerance", cfg.LateTolerance)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
	}
	a.sched = scheduler.New(scheduler.Config{
		Timezone:      cfg.Timezone,
		LateTolerance: lateTol,
	}, log.With(logx.String("comp", "scheduler")), bus)

	for i := range cfg.Schedules {
		if err := a.registerSchedule(&cfg.Schedules[i]); err != nil {
			return nil, fmt.Errorf("schedules[%d] (%s): %w", i, cfg.Schedules[i].Name, err)
		}
	}
	return a, nil
}

// registerSchedule compiles one config entry into a (source, task) pair and
// hands it to the scheduler. Safe before and during Run.
func (a *App) registerSchedule(sc *ScheduleConfig) error {
	src, err := buildSource(sc)
	if err != nil {
		return err
	}
	tlog := a.log.With(logx.String("comp", "task"), logx.String("entry", sc.Name))
	task, err := buildTask(&sc.Task, tlog, a.baseContext)
	if err != nil {
		return err
	}
	_, err = a.sched.Register(sc.Name, src, task)
	return err
}

// baseContext is the run context command tasks inherit. Tasks are built
// before Start, so the supervisor context is resolved lazily at execution
// time; before Start it falls back to Background.
func (a *App) baseContext() context.Context {
	if a.sup != nil {
		return a.sup.Context()
	}
	return context.Background()
}

// Snapshot reports the current scheduler state.
func (a *App) Snapshot() scheduler.Snapshot { return a.sched.Snapshot() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			// Checks the schema validator cannot make without importing the
			// scheduling layer: cron syntax, zone lookup, journal mapping.
			if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					return fmt.Errorf("timezone: invalid %q: %w", tz, err)
				}
			}
			for i := range cfg.Schedules {
				sc := &cfg.Schedules[i]
				if strings.TrimSpace(sc.Cron) == "" {
					continue
				}
				if _, err := timetable.ParseCron(sc.Cron); err != nil {
					return fmt.Errorf("schedules[%d] (%s): cron: %w", i, sc.Name, err)
				}
			}
			if _, err := mapJournalConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	a.sup.Go("scheduler.run", func(c context.Context) error {
		return a.sched.Run(c)
	})

	// Persist entry lifecycle events. Subscription happens inside the loop
	// body so a restart after an append failure gets a fresh channel.
	if a.store != nil {
		a.sup.GoRestart("journal.consume", func(c context.Context) error {
			events, unsub := a.bus.Subscribe(128)
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					rec, ok := recordFromEvent(e)
					if !ok {
						continue
					}
					if err := a.store.Append(c, rec); err != nil && c.Err() == nil {
						return fmt.Errorf("journal append: %w", err)
					}
				}
			}
		})
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise for frequent schedules.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, added := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					lastApplied = newCfg
					continue
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Debug("config change summary", fields...)

				for _, s := range sections {
					switch s {
					case "logging":
						a.logs.Apply(mapLoggingConfig(newCfg))
					case "timezone", "late_tolerance", "journal":
						a.log.Warn(s + " config changed; restart required for changes to take effect")
					}
				}

				// Registration is append-only: new entries join the running
				// scheduler, changed or removed ones need a restart.
				if len(added) > 0 {
					byName := make(map[string]*ScheduleConfig, len(newCfg.Schedules))
					for i := range newCfg.Schedules {
						byName[strings.TrimSpace(newCfg.Schedules[i].Name)] = &newCfg.Schedules[i]
					}
					for _, name := range added {
						sc := byName[name]
						if sc == nil {
							continue
						}
						if err := a.registerSchedule(sc); err != nil {
							a.log.Warn("schedule not registered", logx.String("entry", name), logx.Err(err))
							continue
						}
						a.log.Info("schedule registered via reload", logx.String("entry", name))
					}
				}
				if stale := staleSchedules(lastApplied.Schedules, newCfg.Schedules); len(stale) > 0 {
					a.log.Warn("changed or removed schedules; restart required for changes to take effect",
						logx.Any("entries", stale))
				}
				lastApplied = newCfg

				// Keep the final log line concise and human-friendly (details are in debug logs).
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("sdnotify.watchdog", func(c context.Context) {
		sdnotify.Watchdog(c, a.log.With(logx.String("comp", "sdnotify")))
	})
	if sdnotify.Ready() {
		a.log.Debug("systemd notified ready")
	}

	snap := a.sched.Snapshot()
	a.log.Info("daemon started",
		logx.Int("schedules", len(snap.Entries)),
		logx.String("tz", snap.Timezone))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdnotify.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Wait for supervised goroutines (scheduler paths, config watch/reload, journal consumer).
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	if cnt := a.sup.Counters(); cnt.Active > 0 {
		a.log.Warn("goroutines still active after stop", logx.Int64("active", cnt.Active))
	}
	step("journal", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// recordFromEvent maps a scheduler bus event onto a journal row. Events the
// journal does not persist (bus noise, foreign payloads) report false.
func recordFromEvent(e eventbus.Event) (journal.Record, bool) {
	ev, ok := e.Data.(scheduler.EntryEvent)
	if !ok {
		return journal.Record{}, false
	}
	r := journal.Record{
		Entry:    ev.Name,
		Due:      ev.Due,
		Started:  ev.Started,
		Duration: ev.Duration,
	}
	if r.Started.IsZero() {
		r.Started = e.Time
	}
	switch e.Type {
	case "entry.fired":
		r.Kind = "fired"
	case "entry.exhausted":
		r.Kind = "exhausted"
		r.Detail = fmt.Sprintf("runs=%d", ev.Runs)
	case "entry.aborted":
		r.Kind = "aborted"
		r.Detail = ev.Panic
	default:
		return journal.Record{}, false
	}
	return r, true
}
