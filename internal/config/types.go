package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is the IANA zone (e.g. "Europe/Berlin") used to evaluate
	// cron expressions and render due times. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`

	// LateTolerance is a Go duration string. When an entry fires later
	// than its due time by more than this, the scheduler logs a warning.
	// Empty or "0s" keeps the built-in default.
	LateTolerance string `json:"late_tolerance,omitempty"`

	// Journal controls the optional run-history store. Nil means disabled.
	Journal *JournalConfig `json:"journal,omitempty"`

	Schedules []ScheduleConfig `json:"schedules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// JournalConfig controls the sqlite-backed run journal.
//
// Example:
//
//	"journal": { "enabled": true, "path": "./zeitschaltuhr.db", "keep": 1000 }
type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	// Keep bounds how many records are retained. 0 keeps the default.
	Keep int `json:"keep,omitempty"`
	// BusyTimeout is a Go duration string passed to sqlite.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ScheduleConfig declares one scheduler entry. Exactly one of Cron or
// Every must be set.
type ScheduleConfig struct {
	Name string `json:"name"`

	// Cron is a cron expression, optionally with a seconds field.
	Cron string `json:"cron,omitempty"`

	// Every is a Go duration string for interval schedules.
	Every string `json:"every,omitempty"`

	// Start anchors an interval schedule at an RFC 3339 instant.
	// Only valid together with Every; empty means "now".
	Start string `json:"start,omitempty"`

	// Align picks how an interval schedule behaves when Start lies in
	// the past: "catchup" (default) aligns the first tick onto the grid
	// strictly after now, "fixed" replays every tick since Start.
	Align string `json:"align,omitempty"`

	Task TaskConfig `json:"task"`
}

// TaskConfig declares what an entry runs when it fires.
type TaskConfig struct {
	// Kind is "log" or "command".
	Kind string `json:"kind"`

	// Message is logged for kind "log".
	Message string `json:"message,omitempty"`

	// Command is the argv for kind "command".
	Command []string `json:"command,omitempty"`

	// Timeout is a Go duration string bounding one execution.
	// Empty or "0s" means no limit.
	Timeout string `json:"timeout,omitempty"`
}

const (
	AlignCatchUp = "catchup"
	AlignFixed   = "fixed"

	TaskKindLog     = "log"
	TaskKindCommand = "command"
)

// Validate checks everything that can be checked without touching the
// clock or the cron parser. Cron expression syntax is validated by the
// reload hook so this package stays free of scheduling imports.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("late_tolerance", c.LateTolerance); err != nil {
		return err
	}
	if j := c.Journal; j != nil {
		if j.Keep < 0 {
			return fmt.Errorf("journal.keep must be >= 0")
		}
		if _, err := ParseDurationField("journal.busy_timeout", j.BusyTimeout); err != nil {
			return err
		}
	}

	seen := make(map[string]struct{}, len(c.Schedules))
	for i := range c.Schedules {
		if err := c.Schedules[i].validate(fmt.Sprintf("schedules[%d]", i), seen); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScheduleConfig) validate(path string, seen map[string]struct{}) error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("%s: name is required", path)
	}
	if _, dup := seen[name]; dup {
		return fmt.Errorf("%s: duplicate schedule name %q", path, name)
	}
	seen[name] = struct{}{}

	hasCron := strings.TrimSpace(s.Cron) != ""
	hasEvery := strings.TrimSpace(s.Every) != ""
	switch {
	case hasCron && hasEvery:
		return fmt.Errorf("%s: cron and every are mutually exclusive", path)
	case !hasCron && !hasEvery:
		return fmt.Errorf("%s: one of cron or every is required", path)
	}

	if hasEvery {
		d, err := ParseDurationField(path+".every", s.Every)
		if err != nil {
			return err
		}
		if d <= 0 {
			return fmt.Errorf("%s.every: duration must be > 0", path)
		}
	}

	if strings.TrimSpace(s.Start) != "" {
		if !hasEvery {
			return fmt.Errorf("%s.start: only valid together with every", path)
		}
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(s.Start)); err != nil {
			return fmt.Errorf("%s.start: invalid RFC 3339 instant %q: %w", path, s.Start, err)
		}
	}

	switch strings.TrimSpace(s.Align) {
	case "", AlignCatchUp, AlignFixed:
	default:
		return fmt.Errorf("%s.align: must be %q or %q", path, AlignCatchUp, AlignFixed)
	}
	if strings.TrimSpace(s.Align) != "" && !hasEvery {
		return fmt.Errorf("%s.align: only valid together with every", path)
	}

	return s.Task.validate(path + ".task")
}

func (t *TaskConfig) validate(path string) error {
	switch strings.TrimSpace(t.Kind) {
	case TaskKindLog:
		if strings.TrimSpace(t.Message) == "" {
			return fmt.Errorf("%s.message: required for kind %q", path, TaskKindLog)
		}
	case TaskKindCommand:
		if len(t.Command) == 0 || strings.TrimSpace(t.Command[0]) == "" {
			return fmt.Errorf("%s.command: required for kind %q", path, TaskKindCommand)
		}
	case "":
		return fmt.Errorf("%s.kind: required", path)
	default:
		return fmt.Errorf("%s.kind: unknown kind %q", path, t.Kind)
	}
	_, err := ParseDurationField(path+".timeout", t.Timeout)
	return err
}

// EveryDuration returns the parsed Every field. Zero when unset.
func (s *ScheduleConfig) EveryDuration() (time.Duration, error) {
	return ParseDurationField("every", s.Every)
}

// StartTime returns the parsed Start anchor and whether one was set.
func (s *ScheduleConfig) StartTime() (time.Time, bool, error) {
	raw := strings.TrimSpace(s.Start)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("start: invalid RFC 3339 instant %q: %w", s.Start, err)
	}
	return t, true, nil
}

// CatchUp reports whether the schedule uses catch-up alignment.
// Unset Align defaults to catch-up.
func (s *ScheduleConfig) CatchUp() bool {
	return strings.TrimSpace(s.Align) != AlignFixed
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
