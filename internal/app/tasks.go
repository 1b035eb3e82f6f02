package app

import (
	"context"
	"fmt"
	"os/exec"
	"reflect"
	"sort"
	"strings"
	"time"

	"zeitschaltuhr/internal/config"
	"zeitschaltuhr/internal/journal"
	"zeitschaltuhr/pkg/logx"
	"zeitschaltuhr/pkg/period"
	"zeitschaltuhr/pkg/scheduler"
	"zeitschaltuhr/pkg/timetable"
)

// maxCommandOutput bounds how much captured command output ends up in a log line.
const maxCommandOutput = 2048

// ctxFunc supplies the context tasks run under. Bound late so tasks built
// before Start observe the run context once it exists.
type ctxFunc func() context.Context

// buildSource turns one schedule declaration into a temporal source.
func buildSource(sc *config.ScheduleConfig) (timetable.Source, error) {
	if strings.TrimSpace(sc.Cron) != "" {
		return timetable.ParseCron(sc.Cron)
	}

	every, err := sc.EveryDuration()
	if err != nil {
		return nil, err
	}
	start, anchored, err := sc.StartTime()
	if err != nil {
		return nil, err
	}

	var p *period.Period
	if anchored {
		p, err = period.StartingAt(start, every)
	} else {
		p, err = period.StartingNow(every)
	}
	if err != nil {
		return nil, err
	}

	if sc.CatchUp() {
		return timetable.FromPeriod(p), nil
	}
	return timetable.FromPeriodFixed(p), nil
}

// buildTask turns one task declaration into the side effect the scheduler
// fires. log should already carry the entry name.
func buildTask(tc *config.TaskConfig, log logx.Logger, baseCtx ctxFunc) (scheduler.Task, error) {
	switch strings.TrimSpace(tc.Kind) {
	case config.TaskKindLog:
		msg := tc.Message
		return scheduler.TaskFunc(func() { log.Info(msg) }), nil

	case config.TaskKindCommand:
		timeout, err := parseDurationField("task.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		return &commandTask{
			argv:    append([]string(nil), tc.Command...),
			timeout: timeout,
			log:     log,
			baseCtx: baseCtx,
		}, nil

	default:
		return nil, fmt.Errorf("unknown task kind %q", tc.Kind)
	}
}

// commandTask runs an argv when fired. Exit status and output stay inside
// the task; the scheduler never sees them.
type commandTask struct {
	argv    []string
	timeout time.Duration
	log     logx.Logger
	baseCtx ctxFunc
}

func (t *commandTask) Execute() {
	ctx := t.baseCtx()
	var cancel context.CancelFunc
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	started := time.Now()
	cmd := exec.CommandContext(ctx, t.argv[0], t.argv[1:]...)
	out, err := cmd.CombinedOutput()
	took := time.Since(started)

	if err != nil {
		t.log.Warn("command failed",
			logx.Err(err),
			logx.Duration("took", took),
			logx.String("output", tailString(out, maxCommandOutput)))
		return
	}
	t.log.Debug("command finished", logx.Duration("took", took))
}

func tailString(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

// ---- Config mapping ----

func mapLoggingConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapJournalConfig(cfg *Config) (journal.Config, error) {
	if cfg == nil || cfg.Journal == nil {
		return journal.Config{}, nil
	}
	busy, err := parseDurationOrDefault("journal.busy_timeout", cfg.Journal.BusyTimeout, time.Second)
	if err != nil {
		return journal.Config{}, err
	}
	return journal.Config{
		Enabled:     cfg.Journal.Enabled,
		Path:        cfg.Journal.Path,
		Keep:        cfg.Journal.Keep,
		BusyTimeout: busy,
	}, nil
}

// staleSchedules lists names whose declarations changed or disappeared.
// Running entries are never torn down, so these take effect on restart only.
func staleSchedules(oldS, newS []config.ScheduleConfig) []string {
	byName := make(map[string]*config.ScheduleConfig, len(newS))
	for i := range newS {
		byName[strings.TrimSpace(newS[i].Name)] = &newS[i]
	}

	var out []string
	for i := range oldS {
		name := strings.TrimSpace(oldS[i].Name)
		n, ok := byName[name]
		if !ok || !reflect.DeepEqual(oldS[i], *n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
