package directive

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Option adjusts a Spec before validation.
type Option func(*Spec)

// InLocation sets the zone for clock and calendar directives.
func InLocation(loc *time.Location) Option { return func(s *Spec) { s.Location = loc } }

// WithLocale sets the directive locale (BCP 47 or POSIX form).
func WithLocale(locale string) Option { return func(s *Spec) { s.Locale = locale } }

func build(spec Spec, opts []Option) (Directive, error) {
	for _, o := range opts {
		if o != nil {
			o(&spec)
		}
	}
	return New(spec)
}

// Every returns an INTERVAL directive.
func Every(d time.Duration, opts ...Option) (Directive, error) {
	return build(Spec{Kind: Interval, Interval: d}, opts)
}

// OnWeekdays limits a TIME directive to the given weekdays.
func OnWeekdays(wds ...time.Weekday) Option {
	return func(s *Spec) {
		for _, wd := range wds {
			s.Weekdays = append(s.Weekdays, weekdayToCode(wd))
		}
	}
}

// Daily returns a TIME directive. Combine with OnWeekdays to restrict days.
func Daily(hour, minute int, opts ...Option) (Directive, error) {
	return build(Spec{Kind: Time, Hour: &hour, Minute: &minute}, opts)
}

// Monthly returns a DATE directive that fires on day of every month.
func Monthly(day, hour, minute int, opts ...Option) (Directive, error) {
	return build(Spec{Kind: Date, DayOfMonth: &day, Hour: &hour, Minute: &minute}, opts)
}

// Yearly returns a DATE directive that fires once a year.
func Yearly(month time.Month, day, hour, minute int, opts ...Option) (Directive, error) {
	m := int(month)
	return build(Spec{Kind: Date, Month: &m, DayOfMonth: &day, Hour: &hour, Minute: &minute}, opts)
}

// FromCron returns a CRON directive. The expression is only checked for
// emptiness here; syntax errors surface when the job is scheduled.
func FromCron(expr string, opts ...Option) (Directive, error) {
	return build(Spec{Kind: Cron, Cron: expr}, opts)
}

// Disabled returns an inactive directive.
func Disabled() Directive {
	d, _ := New(Spec{Kind: None})
	return d
}

func weekdayToCode(wd time.Weekday) int {
	if wd == time.Sunday {
		return 7
	}
	return int(wd)
}

// ---- textual form ----

var (
	reEvery = regexp.MustCompile(`(?i)^EVERY\s+(\d+)\s*([A-Z]+)$`)
	reAt    = regexp.MustCompile(`(?i)^AT\s+(\d{1,2}):(\d{2})(?:\s+EVERY\s+([A-Z|,\s]+))?$`)
	reOn    = regexp.MustCompile(`(?i)^AT\s+(\d{1,2}):(\d{2})\s+ON\s+(?:DAY\s+)?(\d{1,2})(?:/(\d{1,2}))?$`)
	reCron  = regexp.MustCompile(`(?i)^CRON\s+(.+)$`)
)

var intervalUnits = map[string]time.Duration{
	"MS": time.Millisecond, "MILLIS": time.Millisecond,
	"S": time.Second, "SEC": time.Second, "SECS": time.Second, "SECOND": time.Second, "SECONDS": time.Second,
	"M": time.Minute, "MIN": time.Minute, "MINS": time.Minute, "MINUTE": time.Minute, "MINUTES": time.Minute,
	"H": time.Hour, "HR": time.Hour, "HRS": time.Hour, "HOUR": time.Hour, "HOURS": time.Hour,
	"D": 24 * time.Hour, "DAY": 24 * time.Hour, "DAYS": 24 * time.Hour,
}

var weekdayCodes = map[string]int{
	"MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6, "SUN": 7,
}

// Parse reads the textual directive form:
//
//	EVERY 15 MIN              interval (MS, SEC, MIN, HR, DAY)
//	AT 09:30                  daily
//	AT 09:30 EVERY MON|FRI    selected weekdays
//	AT 12:00 ON 15            monthly (ON DAY 15 is accepted too)
//	AT 12:00 ON 25/12         yearly (day/month)
//	CRON 0 9 * * MON-FRI      cron expression
//	NONE                      disabled (also the empty string)
//
// Keywords are case-insensitive. The input is kept as Source().
func Parse(text string, opts ...Option) (Directive, error) {
	src := strings.TrimSpace(text)
	if src == "" || strings.EqualFold(src, "NONE") || strings.EqualFold(src, "DISABLED") {
		return build(Spec{Kind: None, Source: src}, opts)
	}

	if m := reCron.FindStringSubmatch(src); m != nil {
		return build(Spec{Kind: Cron, Cron: m[1], Source: src}, opts)
	}

	if m := reEvery.FindStringSubmatch(src); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return Directive{}, fmt.Errorf("invalid interval %q: %w", src, err)
		}
		unit, ok := intervalUnits[strings.ToUpper(m[2])]
		if !ok {
			return Directive{}, fmt.Errorf("invalid interval unit %q in %q (use MS, SEC, MIN, HR or DAY)", m[2], src)
		}
		if n > math.MaxInt64/int64(unit) {
			return Directive{}, fmt.Errorf("invalid interval %q: too large", src)
		}
		return build(Spec{Kind: Interval, Interval: time.Duration(n) * unit, Source: src}, opts)
	}

	if m := reOn.FindStringSubmatch(src); m != nil {
		hh, mm, day := atoi(m[1]), atoi(m[2]), atoi(m[3])
		spec := Spec{Kind: Date, Hour: &hh, Minute: &mm, DayOfMonth: &day, Source: src}
		if m[4] != "" {
			month := atoi(m[4])
			spec.Month = &month
		}
		return build(spec, opts)
	}

	if m := reAt.FindStringSubmatch(src); m != nil {
		hh, mm := atoi(m[1]), atoi(m[2])
		var codes []int
		if strings.TrimSpace(m[3]) != "" {
			for _, name := range strings.FieldsFunc(m[3], func(r rune) bool { return r == '|' || r == ',' || r == ' ' }) {
				code, ok := weekdayCodes[strings.ToUpper(name)]
				if !ok {
					return Directive{}, fmt.Errorf("invalid weekday %q in %q (use MON..SUN)", name, src)
				}
				codes = append(codes, code)
			}
		}
		return build(Spec{Kind: Time, Hour: &hh, Minute: &mm, Weekdays: codes, Source: src}, opts)
	}

	return Directive{}, fmt.Errorf(
		"invalid schedule %q (use 'EVERY 15 MIN', 'AT 09:30 [EVERY MON|FRI]', 'AT 12:00 ON 15', 'AT 12:00 ON 25/12' or 'CRON <expr>')",
		text,
	)
}

// MustParse is like Parse but panics on error.
func MustParse(text string, opts ...Option) Directive {
	d, err := Parse(text, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// regexps only admit digits here
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
