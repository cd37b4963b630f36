package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Jobs      []JobConfig     `json:"jobs" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the rotating JSON log file. Zero sizes fall back to
// 10 MB, 3 backups and 28 days.
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"gte=0"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls how directives are turned into timers.
//
// All durations are Go duration strings (e.g. "60s", "720h").
//
// Defaults (when fields are omitted/zero):
//   - timezone: host local zone
//   - facility: queue
//   - initial_delay_min / initial_delay_max: 60s / 70s
//   - history_retention: 0 (run records are kept forever)
//   - history_size: 32
type SchedulerConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	Facility         string `json:"facility,omitempty" validate:"omitempty,oneof=queue cron"`
	InitialDelayMin  string `json:"initial_delay_min,omitempty"`
	InitialDelayMax  string `json:"initial_delay_max,omitempty"`
	HistoryRetention string `json:"history_retention,omitempty"`
	HistorySize      int    `json:"history_size,omitempty" validate:"gte=0"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	storage: { driver: sqlite, path: ./timerjob.db, busy_timeout: 5s }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none memory mem file sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// JobConfig declares one job. Schedule uses the directive grammar
// ("EVERY 5 MIN", "AT 09:30 EVERY MON|FRI", "CRON 0 3 * * *", "NONE").
type JobConfig struct {
	Name       string     `json:"name" validate:"required"`
	Kind       string     `json:"kind" validate:"required"`
	Schedule   string     `json:"schedule"`
	Timezone   string     `json:"timezone,omitempty"`
	Locale     string     `json:"locale,omitempty"`
	Suspended  bool       `json:"suspended,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// Properties is a string map that also accepts numbers and booleans, so
// YAML values like `retention: 30` need no quoting.
type Properties map[string]string

func (p *Properties) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Properties, len(raw))
	for k, v := range raw {
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = s
	}
	*p = out
	return nil
}

func scalarString(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	switch v[0] {
	case '"':
		var s string
		err := json.Unmarshal(v, &s)
		return s, err
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case '{', '[':
		return "", fmt.Errorf("must be a scalar")
	default:
		var n json.Number
		if err := json.Unmarshal(v, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}
