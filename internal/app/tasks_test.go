package app

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"zeitschaltuhr/internal/config"
	"zeitschaltuhr/pkg/logx"
)

func TestBuildSourceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		sc   config.ScheduleConfig
	}{
		{name: "empty declaration", sc: config.ScheduleConfig{Name: "x"}},
		{name: "bad every", sc: config.ScheduleConfig{Name: "x", Every: "soonish"}},
		{name: "bad start", sc: config.ScheduleConfig{Name: "x", Every: "5m", Start: "yesterday"}},
		{name: "bad cron", sc: config.ScheduleConfig{Name: "x", Cron: "not a cron"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := buildSource(&tt.sc); err == nil {
				t.Fatalf("buildSource(%+v): expected error", tt.sc)
			}
		})
	}
}

func TestBuildSourceCatchUpAlignment(t *testing.T) {
	t.Parallel()

	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	sc := config.ScheduleConfig{Name: "x", Every: "7m", Start: start.Format(time.RFC3339)}

	src, err := buildSource(&sc)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	first, ok := src.Times(time.UTC).Next()
	if !ok {
		t.Fatal("expected a first tick")
	}
	if first.Sub(start)%(7*time.Minute) != 0 {
		t.Fatalf("first tick %v is off the 7m grid anchored at %v", first, start)
	}
	if until := time.Until(first); until > 7*time.Minute || until < -time.Second {
		t.Fatalf("first tick %v not within the next interval (until=%v)", first, until)
	}
}

func TestBuildSourceFutureStart(t *testing.T) {
	t.Parallel()

	start := time.Now().Add(time.Hour).Truncate(time.Second)

	tests := []struct {
		name  string
		align string
	}{
		{name: "default align", align: ""},
		{name: "catchup", align: config.AlignCatchUp},
		{name: "fixed", align: config.AlignFixed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc := config.ScheduleConfig{
				Name:  "x",
				Every: "10m",
				Start: start.Format(time.RFC3339),
				Align: tt.align,
			}
			src, err := buildSource(&sc)
			if err != nil {
				t.Fatalf("buildSource: %v", err)
			}
			first, ok := src.Times(time.UTC).Next()
			if !ok {
				t.Fatal("expected a first tick")
			}
			if !first.Equal(start) {
				t.Fatalf("first tick = %v, want the future anchor %v", first, start)
			}
		})
	}
}

func TestBuildSourceCron(t *testing.T) {
	t.Parallel()

	sc := config.ScheduleConfig{Name: "x", Cron: "*/5 * * * *"}
	src, err := buildSource(&sc)
	if err != nil {
		t.Fatalf("buildSource: %v", err)
	}
	first, ok := src.Times(time.UTC).Next()
	if !ok {
		t.Fatal("expected a first tick")
	}
	if until := time.Until(first); until > 5*time.Minute+time.Second || until < -time.Second {
		t.Fatalf("first tick %v not within the next 5m window (until=%v)", first, until)
	}
}

func TestBuildTaskErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tc   config.TaskConfig
	}{
		{name: "unknown kind", tc: config.TaskConfig{Kind: "carrier-pigeon"}},
		{name: "bad timeout", tc: config.TaskConfig{Kind: "command", Command: []string{"/bin/true"}, Timeout: "whenever"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := buildTask(&tt.tc, logx.Nop(), func() context.Context { return context.Background() })
			if err == nil {
				t.Fatalf("buildTask(%+v): expected error", tt.tc)
			}
		})
	}
}

// fileLogger builds a logger writing JSON lines into dir and returns the
// log path plus a flush function.
func fileLogger(t *testing.T, dir string) (logx.Logger, string, func()) {
	t.Helper()
	path := filepath.Join(dir, "task.log")
	svc, log := logx.New(logx.Config{
		Level: "debug",
		File:  logx.FileConfig{Enabled: true, Path: path},
	})
	return log, path, func() { _ = svc.Close() }
}

func TestBuildTaskLogExecutes(t *testing.T) {
	t.Parallel()

	log, path, flush := fileLogger(t, t.TempDir())
	task, err := buildTask(&config.TaskConfig{Kind: config.TaskKindLog, Message: "ping from schedule"},
		log, func() context.Context { return context.Background() })
	if err != nil {
		t.Fatalf("buildTask: %v", err)
	}
	task.Execute()
	flush()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "ping from schedule") {
		t.Fatalf("log output missing task message:\n%s", b)
	}
}

func TestBuildTaskCommandExecutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		script  string
		timeout string
		want    string
	}{
		{name: "success", script: "exit 0", want: "command finished"},
		{name: "failure", script: "echo broken >&2; exit 3", want: "command failed"},
		{name: "timeout", script: "sleep 5", timeout: "100ms", want: "command failed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			log, path, flush := fileLogger(t, t.TempDir())
			task, err := buildTask(&config.TaskConfig{
				Kind:    config.TaskKindCommand,
				Command: []string{"/bin/sh", "-c", tt.script},
				Timeout: tt.timeout,
			}, log, func() context.Context { return context.Background() })
			if err != nil {
				t.Fatalf("buildTask: %v", err)
			}
			task.Execute()
			flush()

			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read log: %v", err)
			}
			if !strings.Contains(string(b), tt.want) {
				t.Fatalf("log output missing %q:\n%s", tt.want, b)
			}
		})
	}
}

func TestStaleSchedules(t *testing.T) {
	t.Parallel()

	mk := func(name, every string) config.ScheduleConfig {
		return config.ScheduleConfig{
			Name:  name,
			Every: every,
			Task:  config.TaskConfig{Kind: config.TaskKindLog, Message: "x"},
		}
	}

	tests := []struct {
		name string
		old  []config.ScheduleConfig
		new  []config.ScheduleConfig
		want []string
	}{
		{
			name: "unchanged",
			old:  []config.ScheduleConfig{mk("a", "5m")},
			new:  []config.ScheduleConfig{mk("a", "5m")},
		},
		{
			name: "added only",
			old:  []config.ScheduleConfig{mk("a", "5m")},
			new:  []config.ScheduleConfig{mk("a", "5m"), mk("b", "10m")},
		},
		{
			name: "removed",
			old:  []config.ScheduleConfig{mk("a", "5m"), mk("b", "10m")},
			new:  []config.ScheduleConfig{mk("a", "5m")},
			want: []string{"b"},
		},
		{
			name: "changed interval",
			old:  []config.ScheduleConfig{mk("a", "5m")},
			new:  []config.ScheduleConfig{mk("a", "10m")},
			want: []string{"a"},
		},
		{
			name: "changed and removed, sorted",
			old:  []config.ScheduleConfig{mk("b", "5m"), mk("a", "5m")},
			new:  []config.ScheduleConfig{mk("b", "10m")},
			want: []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := staleSchedules(tt.old, tt.new)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("staleSchedules = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()

	t.Run("nil section disables", func(t *testing.T) {
		t.Parallel()
		jc, err := mapJournalConfig(&Config{})
		if err != nil {
			t.Fatalf("mapJournalConfig: %v", err)
		}
		if jc.Enabled {
			t.Fatal("expected journal to stay disabled")
		}
	})

	t.Run("busy timeout defaults", func(t *testing.T) {
		t.Parallel()
		jc, err := mapJournalConfig(&Config{Journal: &config.JournalConfig{Enabled: true}})
		if err != nil {
			t.Fatalf("mapJournalConfig: %v", err)
		}
		if !jc.Enabled {
			t.Fatal("expected journal enabled")
		}
		if jc.BusyTimeout != time.Second {
			t.Fatalf("BusyTimeout = %v, want 1s", jc.BusyTimeout)
		}
	})

	t.Run("bad busy timeout", func(t *testing.T) {
		t.Parallel()
		_, err := mapJournalConfig(&Config{Journal: &config.JournalConfig{Enabled: true, BusyTimeout: "later"}})
		if err == nil {
			t.Fatal("expected error for invalid busy_timeout")
		}
	})
}
