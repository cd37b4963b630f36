// Package directive describes when a job should run.
//
// A Directive is an immutable, validated value of one of five kinds:
// a fixed interval, a daily clock time (optionally limited to weekdays),
// a calendar date, a cron expression, or none (disabled).
package directive

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Kind selects how a directive is interpreted.
type Kind int

const (
	None Kind = iota
	Interval
	Time
	Date
	Cron
)

func (k Kind) String() string {
	switch k {
	case Interval:
		return "INTERVAL"
	case Time:
		return "TIME"
	case Date:
		return "DATE"
	case Cron:
		return "CRON"
	case None:
		return "NONE"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrInvalid matches every *ValidationError via errors.Is.
var ErrInvalid = errors.New("invalid schedule directive")

// ValidationError names the field that failed validation.
type ValidationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s directive: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// Spec is the raw, unvalidated input to New. Pointer fields distinguish
// "absent" from zero.
type Spec struct {
	Kind       Kind
	Interval   time.Duration
	Hour       *int
	Minute     *int
	Weekdays   []int // 1=Monday .. 7=Sunday
	DayOfMonth *int
	Month      *int
	Cron       string
	Location   *time.Location
	Locale     string // BCP 47 or POSIX (en_US.UTF-8); empty = host default
	Source     string
}

// Directive is an immutable schedule description. The zero value is a
// disabled directive.
type Directive struct {
	kind     Kind
	interval time.Duration
	hour     int
	minute   int
	weekdays uint8 // bit per time.Weekday
	day      int
	month    time.Month
	cron     string
	loc      *time.Location
	locale   language.Tag
	source   string
}

// New applies defaults and validates spec.
func New(spec Spec) (Directive, error) {
	d := Directive{
		kind:   spec.Kind,
		loc:    spec.Location,
		source: strings.TrimSpace(spec.Source),
	}
	if d.loc == nil {
		d.loc = time.Local
	}

	tag, err := resolveLocale(spec.Locale)
	if err != nil {
		return Directive{}, &ValidationError{Kind: spec.Kind, Field: "locale", Reason: err.Error()}
	}
	d.locale = tag

	switch spec.Kind {
	case None:
	case Interval:
		if spec.Interval <= 0 {
			return Directive{}, invalid(spec.Kind, "interval", "interval must be positive for INTERVAL type")
		}
		d.interval = spec.Interval
	case Time, Date:
		if spec.Hour == nil || spec.Minute == nil {
			return Directive{}, invalid(spec.Kind, "clock", "hour and minute must be specified for TIME/DATE type")
		}
		if *spec.Hour < 0 || *spec.Hour > 23 {
			return Directive{}, invalid(spec.Kind, "hour", "hour must be between 0 and 23")
		}
		if *spec.Minute < 0 || *spec.Minute > 59 {
			return Directive{}, invalid(spec.Kind, "minute", "minute must be between 0 and 59")
		}
		d.hour, d.minute = *spec.Hour, *spec.Minute

		if spec.Kind == Time {
			for _, code := range spec.Weekdays {
				if code < 1 || code > 7 {
					return Directive{}, invalid(spec.Kind, "weekdays", fmt.Sprintf("day of week %d must be between 1 (MON) and 7 (SUN)", code))
				}
				d.weekdays |= 1 << uint(codeToWeekday(code))
			}
			break
		}

		if spec.Month != nil && spec.DayOfMonth == nil {
			return Directive{}, invalid(spec.Kind, "month", "month requires a day of month")
		}
		if spec.DayOfMonth != nil {
			if *spec.DayOfMonth < 1 || *spec.DayOfMonth > 31 {
				return Directive{}, invalid(spec.Kind, "day_of_month", "day of month must be between 1 and 31")
			}
			d.day = *spec.DayOfMonth
		}
		if spec.Month != nil {
			if *spec.Month < 1 || *spec.Month > 12 {
				return Directive{}, invalid(spec.Kind, "month", "month must be between 1 and 12")
			}
			d.month = time.Month(*spec.Month)
		}
	case Cron:
		expr := strings.TrimSpace(spec.Cron)
		if expr == "" {
			return Directive{}, invalid(spec.Kind, "cron", "cron expression must be specified for CRON type")
		}
		d.cron = expr
	default:
		return Directive{}, invalid(spec.Kind, "kind", "unknown directive kind")
	}
	return d, nil
}

func invalid(k Kind, field, reason string) error {
	return &ValidationError{Kind: k, Field: field, Reason: reason}
}

// Kind returns the directive kind.
func (d Directive) Kind() Kind { return d.kind }

// Active is false only for disabled directives.
func (d Directive) Active() bool { return d.kind != None }

func (d Directive) Interval() (time.Duration, bool) {
	return d.interval, d.kind == Interval
}

// Clock returns the configured hour and minute for TIME and DATE directives.
func (d Directive) Clock() (hour, minute int, ok bool) {
	if d.kind != Time && d.kind != Date {
		return 0, 0, false
	}
	return d.hour, d.minute, true
}

// Weekdays returns the weekday restriction in Monday-first order. Empty
// means every day.
func (d Directive) Weekdays() []time.Weekday {
	if d.weekdays == 0 {
		return nil
	}
	out := make([]time.Weekday, 0, 7)
	for code := 1; code <= 7; code++ {
		wd := codeToWeekday(code)
		if d.weekdays&(1<<uint(wd)) != 0 {
			out = append(out, wd)
		}
	}
	return out
}

func (d Directive) DayOfMonth() (int, bool) { return d.day, d.kind == Date && d.day != 0 }

func (d Directive) Month() (time.Month, bool) { return d.month, d.kind == Date && d.month != 0 }

func (d Directive) CronExpr() (string, bool) { return d.cron, d.kind == Cron }

// Location is the zone used to compute clock and calendar firings.
func (d Directive) Location() *time.Location {
	if d.loc == nil {
		return time.Local
	}
	return d.loc
}

func (d Directive) Locale() language.Tag {
	if d.locale == language.Und {
		return hostLocale()
	}
	return d.locale
}

// Source is the text the directive was parsed from, if any.
func (d Directive) Source() string { return d.source }

// Permits reports whether t falls on an allowed weekday in the directive's
// location. Directives without a weekday restriction permit every instant.
func (d Directive) Permits(t time.Time) bool {
	if d.weekdays == 0 {
		return true
	}
	return d.weekdays&(1<<uint(t.In(d.Location()).Weekday())) != 0
}

// Description returns a short human readable summary.
func (d Directive) Description() string {
	switch d.kind {
	case Interval:
		return "Every " + d.interval.String()
	case Time:
		if d.weekdays == 0 {
			return fmt.Sprintf("At %02d:%02d daily", d.hour, d.minute)
		}
		return fmt.Sprintf("At %02d:%02d on %s", d.hour, d.minute, d.weekdayCodes())
	case Date:
		switch {
		case d.month != 0:
			return fmt.Sprintf("At %02d:%02d on %02d/%02d", d.hour, d.minute, d.day, int(d.month))
		case d.day != 0:
			return fmt.Sprintf("At %02d:%02d on day %d", d.hour, d.minute, d.day)
		default:
			return fmt.Sprintf("At %02d:%02d daily", d.hour, d.minute)
		}
	case Cron:
		return "Cron: " + d.cron
	default:
		return "Disabled"
	}
}

func (d Directive) String() string { return d.Description() }

func (d Directive) weekdayCodes() string {
	wds := d.Weekdays()
	names := make([]string, len(wds))
	for i, wd := range wds {
		names[i] = weekdayAbbrev[wd]
	}
	return strings.Join(names, "|")
}

var weekdayAbbrev = map[time.Weekday]string{
	time.Monday: "MON", time.Tuesday: "TUE", time.Wednesday: "WED", time.Thursday: "THU",
	time.Friday: "FRI", time.Saturday: "SAT", time.Sunday: "SUN",
}

// codeToWeekday maps 1=Monday..7=Sunday onto time.Weekday.
func codeToWeekday(code int) time.Weekday { return time.Weekday(code % 7) }

// ---- locale ----

func resolveLocale(raw string) (language.Tag, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return hostLocale(), nil
	}
	return parseLocale(raw)
}

func parseLocale(raw string) (language.Tag, error) {
	// POSIX form: en_US.UTF-8@euro
	if i := strings.IndexAny(raw, ".@"); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.ReplaceAll(raw, "_", "-")
	if raw == "" || strings.EqualFold(raw, "C") || strings.EqualFold(raw, "POSIX") {
		return language.English, nil
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return language.Und, fmt.Errorf("invalid locale %q: %w", raw, err)
	}
	return tag, nil
}

func hostLocale() language.Tag {
	for _, k := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			if tag, err := parseLocale(v); err == nil {
				return tag
			}
		}
	}
	return language.English
}
