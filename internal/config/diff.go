package config

import (
	"reflect"
	"sort"
	"strings"

	"timerjob/pkg/logx"
)

// Change summarizes the difference between two configs.
type Change struct {
	// Sections lists the changed top-level blocks, sorted.
	Sections []string
	// Attrs are safe structured fields for a reload log line.
	Attrs []logx.Field
	// Jobs lists the names of added, removed or modified jobs, sorted.
	Jobs []string
}

// Rescheduled reports whether every job must be re-registered, which is the
// case when the scheduler block changed.
func (c Change) Rescheduled() bool {
	for _, s := range c.Sections {
		if s == "scheduler" {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs. Nil is treated as empty.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	ch.Sections = make([]string, 0, 4)
	ch.Attrs = make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(o.Timezone) != strings.TrimSpace(n.Timezone) ||
		o.FacilityName() != n.FacilityName() ||
		strings.TrimSpace(o.InitialDelayMin) != strings.TrimSpace(n.InitialDelayMin) ||
		strings.TrimSpace(o.InitialDelayMax) != strings.TrimSpace(n.InitialDelayMax) ||
		strings.TrimSpace(o.HistoryRetention) != strings.TrimSpace(n.HistoryRetention) ||
		o.HistorySize != n.HistorySize {
		ch.Sections = append(ch.Sections, "scheduler")
		ch.Attrs = append(ch.Attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(n.Timezone)),
			logx.String("scheduler.facility", n.FacilityName()),
			logx.String("scheduler.history_retention", strings.TrimSpace(n.HistoryRetention)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	ch.Jobs = diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(ch.Jobs) > 0 {
		ch.Sections = append(ch.Sections, "jobs")
		ch.Attrs = append(ch.Attrs,
			logx.Int("jobs.changed_count", len(ch.Jobs)),
			logx.Int("jobs.count", len(newCfg.Jobs)),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(js []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
