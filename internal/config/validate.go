package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"timerjob/internal/directive"
	"timerjob/internal/storage"
	"timerjob/pkg/logx"
)

var validate = validator.New()

// Validate checks struct tags first, then everything a tag cannot express:
// zones, durations, unique job names and the schedule grammar.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	loc, err := c.Scheduler.Location()
	if err != nil {
		errs = append(errs, err)
		loc = time.Local
	}
	if _, _, err := c.Scheduler.InitialDelay(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("scheduler.history_retention", c.Scheduler.HistoryRetention); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StorageOpts(); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i := range c.Jobs {
		jc := &c.Jobs[i]
		name := strings.TrimSpace(jc.Name)
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("jobs[%d]: duplicate job name %q", i, name))
		}
		seen[name] = struct{}{}
		if _, err := jc.Directive(loc); err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] (%s): %w", i, name, err))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the scheduler timezone; empty means the host zone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	return loadLocation("scheduler.timezone", s.Timezone)
}

func loadLocation(path, tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return loc, nil
}

const (
	defaultDelayMin = 60 * time.Second
	defaultDelayMax = 70 * time.Second
)

// InitialDelay returns the start delay window for interval jobs.
func (s SchedulerConfig) InitialDelay() (lo, hi time.Duration, err error) {
	lo, err = ParseDurationOrDefault("scheduler.initial_delay_min", s.InitialDelayMin, defaultDelayMin)
	if err != nil {
		return 0, 0, err
	}
	hi, err = ParseDurationOrDefault("scheduler.initial_delay_max", s.InitialDelayMax, defaultDelayMax)
	if err != nil {
		return 0, 0, err
	}
	if strings.TrimSpace(s.InitialDelayMax) == "" && hi < lo {
		hi = lo
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("scheduler.initial_delay_max (%s) must be >= initial_delay_min (%s)", hi, lo)
	}
	return lo, hi, nil
}

// Retention returns how long run records are kept; 0 keeps them forever.
func (s SchedulerConfig) Retention() time.Duration {
	d, _ := ParseDurationField("scheduler.history_retention", s.HistoryRetention)
	return d
}

func (s SchedulerConfig) FacilityName() string {
	f := strings.ToLower(strings.TrimSpace(s.Facility))
	if f == "" {
		return "queue"
	}
	return f
}

// StorageOpts converts the storage block; a missing block disables storage.
func (c *Config) StorageOpts() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
	}
	switch out.Driver {
	case "file", "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required for driver %q", out.Driver)
		}
	}
	return out, nil
}

// Logx converts the logging block for logx.NewService / Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

// Directive parses the job schedule. The job timezone, when set, overrides
// def.
func (j JobConfig) Directive(def *time.Location) (directive.Directive, error) {
	loc := def
	if strings.TrimSpace(j.Timezone) != "" {
		l, err := loadLocation("timezone", j.Timezone)
		if err != nil {
			return directive.Directive{}, err
		}
		loc = l
	}
	opts := []directive.Option{directive.InLocation(loc)}
	if strings.TrimSpace(j.Locale) != "" {
		opts = append(opts, directive.WithLocale(j.Locale))
	}
	return directive.Parse(j.Schedule, opts...)
}
