package config

import (
	"reflect"
	"sort"
	"strings"

	"zeitschaltuhr/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections, structured
// attrs for logging, and the names of schedules present in new but not in
// old. Added schedules are the only schedule change the daemon applies at
// runtime; edits and removals need a restart.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	if strings.TrimSpace(oldCfg.LateTolerance) != strings.TrimSpace(newCfg.LateTolerance) {
		changed = append(changed, "late_tolerance")
		attrs = append(attrs, logx.String("late_tolerance", strings.TrimSpace(newCfg.LateTolerance)))
	}

	oldJ, newJ := derefJournal(oldCfg.Journal), derefJournal(newCfg.Journal)
	if (oldCfg.Journal != nil) != (newCfg.Journal != nil) || oldJ != newJ {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.Bool("journal.enabled", newJ.Enabled),
			logx.Bool("journal.path_set", strings.TrimSpace(newJ.Path) != ""),
			logx.Int("journal.keep", newJ.Keep),
		)
	}

	added := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.count", len(newCfg.Schedules)),
			logx.Int("schedules.added", len(added)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, added
}

func derefJournal(j *JournalConfig) JournalConfig {
	if j == nil {
		return JournalConfig{}
	}
	return *j
}

// diffSchedules returns names declared in new that old lacked.
func diffSchedules(oldS, newS []ScheduleConfig) []string {
	known := make(map[string]struct{}, len(oldS))
	for i := range oldS {
		known[strings.TrimSpace(oldS[i].Name)] = struct{}{}
	}

	var added []string
	for i := range newS {
		name := strings.TrimSpace(newS[i].Name)
		if _, ok := known[name]; !ok {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	return added
}
