package directive

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"
)

func intp(v int) *int { return &v }

func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"interval zero", Spec{Kind: Interval}, "interval"},
		{"interval negative", Spec{Kind: Interval, Interval: -time.Second}, "interval"},
		{"time missing clock", Spec{Kind: Time, Hour: intp(9)}, "clock"},
		{"date missing clock", Spec{Kind: Date, Minute: intp(0)}, "clock"},
		{"hour too large", Spec{Kind: Time, Hour: intp(24), Minute: intp(0)}, "hour"},
		{"hour negative", Spec{Kind: Date, Hour: intp(-1), Minute: intp(0)}, "hour"},
		{"minute too large", Spec{Kind: Time, Hour: intp(0), Minute: intp(60)}, "minute"},
		{"weekday code", Spec{Kind: Time, Hour: intp(0), Minute: intp(0), Weekdays: []int{0}}, "weekdays"},
		{"day too large", Spec{Kind: Date, Hour: intp(0), Minute: intp(0), DayOfMonth: intp(32)}, "day_of_month"},
		{"month without day", Spec{Kind: Date, Hour: intp(0), Minute: intp(0), Month: intp(3)}, "month"},
		{"month range", Spec{Kind: Date, Hour: intp(0), Minute: intp(0), Month: intp(13), DayOfMonth: intp(1)}, "month"},
		{"cron empty", Spec{Kind: Cron, Cron: "   "}, "cron"},
		{"unknown kind", Spec{Kind: Kind(42)}, "kind"},
		{"bad locale", Spec{Kind: None, Locale: "!!"}, "locale"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.spec)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("want ErrInvalid, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("want *ValidationError, got %T", err)
			}
			if ve.Field != tt.field {
				t.Fatalf("field = %q, want %q (%v)", ve.Field, tt.field, err)
			}
		})
	}
}

func TestAccessorsByKind(t *testing.T) {
	t.Parallel()

	iv, err := Every(15 * time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d, ok := iv.Interval(); !ok || d != 15*time.Minute {
		t.Fatalf("Interval() = %v, %v", d, ok)
	}
	if _, _, ok := iv.Clock(); ok {
		t.Fatal("interval directive must not report a clock")
	}
	if _, ok := iv.CronExpr(); ok {
		t.Fatal("interval directive must not report a cron expression")
	}

	y, err := Yearly(time.December, 25, 12, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h, m, ok := y.Clock(); !ok || h != 12 || m != 0 {
		t.Fatalf("Clock() = %d:%d %v", h, m, ok)
	}
	if mo, ok := y.Month(); !ok || mo != time.December {
		t.Fatalf("Month() = %v %v", mo, ok)
	}
	if d, ok := y.DayOfMonth(); !ok || d != 25 {
		t.Fatalf("DayOfMonth() = %v %v", d, ok)
	}

	c, err := FromCron("  0 9 * * MON  ")
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := c.CronExpr(); !ok || e != "0 9 * * MON" {
		t.Fatalf("CronExpr() = %q %v", e, ok)
	}

	off := Disabled()
	if off.Active() || off.Kind() != None {
		t.Fatal("Disabled() must be inactive")
	}
	var zero Directive
	if zero.Active() || zero.Location() != time.Local {
		t.Fatal("zero directive must be inactive and use the host zone")
	}
}

func TestDescription(t *testing.T) {
	t.Parallel()

	mk := func(d Directive, err error) Directive {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return d
	}
	tests := []struct {
		d    Directive
		want string
	}{
		{mk(Every(15 * time.Minute)), "Every 15m0s"},
		{mk(Daily(9, 30)), "At 09:30 daily"},
		{mk(Daily(9, 30, OnWeekdays(time.Friday, time.Monday))), "At 09:30 on MON|FRI"},
		{mk(Daily(7, 5, OnWeekdays(time.Sunday, time.Saturday))), "At 07:05 on SAT|SUN"},
		{mk(Monthly(15, 12, 0)), "At 12:00 on day 15"},
		{mk(Yearly(time.December, 25, 12, 0)), "At 12:00 on 25/12"},
		{mk(FromCron("0 9 * * *")), "Cron: 0 9 * * *"},
		{Disabled(), "Disabled"},
	}
	for _, tt := range tests {
		if got := tt.d.Description(); got != tt.want {
			t.Fatalf("Description() = %q, want %q", got, tt.want)
		}
	}
}

func TestPermits(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*3600)
	d, err := Daily(9, 0, OnWeekdays(time.Monday), InLocation(tokyo))
	if err != nil {
		t.Fatal(err)
	}
	// Sunday 20:00 UTC is Monday 05:00 in Tokyo.
	sundayUTC := time.Date(2024, 3, 3, 20, 0, 0, 0, time.UTC)
	if !d.Permits(sundayUTC) {
		t.Fatal("weekday must be evaluated in the directive's zone")
	}
	if d.Permits(sundayUTC.Add(-12 * time.Hour)) {
		t.Fatal("Sunday in Tokyo must not be permitted")
	}
	if !Disabled().Permits(sundayUTC) {
		t.Fatal("unrestricted directive permits every instant")
	}
	if got := d.Weekdays(); !reflect.DeepEqual(got, []time.Weekday{time.Monday}) {
		t.Fatalf("Weekdays() = %v", got)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		kind Kind
		desc string
	}{
		{"EVERY 15 MIN", Interval, "Every 15m0s"},
		{"every 30 sec", Interval, "Every 30s"},
		{"EVERY 2 HR", Interval, "Every 2h0m0s"},
		{"EVERY 1 DAY", Interval, "Every 24h0m0s"},
		{"EVERY 250 MS", Interval, "Every 250ms"},
		{"AT 9:30", Time, "At 09:30 daily"},
		{"at 02:00 every mon|thu", Time, "At 02:00 on MON|THU"},
		{"AT 08:00 EVERY SAT,SUN", Time, "At 08:00 on SAT|SUN"},
		{"AT 12:00 ON 15", Date, "At 12:00 on day 15"},
		{"AT 12:00 ON DAY 15", Date, "At 12:00 on day 15"},
		{"AT 12:00 ON 25/12", Date, "At 12:00 on 25/12"},
		{"at 06:15 on 5/12", Date, "At 06:15 on 05/12"},
		{"CRON 30 3 * * *", Cron, "Cron: 30 3 * * *"},
		{"NONE", None, "Disabled"},
		{"", None, "Disabled"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			d, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if d.Kind() != tt.kind {
				t.Fatalf("kind = %s, want %s", d.Kind(), tt.kind)
			}
			if d.Description() != tt.desc {
				t.Fatalf("description = %q, want %q", d.Description(), tt.desc)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"EVERY 0 MIN",
		"EVERY 5 FORTNIGHTS",
		"AT 25:00",
		"AT 10:61",
		"AT 10:00 EVERY FUNDAY",
		"AT 10:00 ON 01/13",
		"AT 10:00 ON 12/25",
		"AT 10:00 ON DAY 0",
		"AT 10:00 ON 32",
		"EVERY 9223372036854775807 MIN",
		"EVERY 153722867281 MIN",
		"sometimes",
	} {
		if _, err := Parse(in); err == nil {
			t.Fatalf("Parse(%q) expected error", in)
		}
	}
	if _, err := Parse("AT 25:00"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("range failures must be validation errors, got %v", err)
	}
}

func TestParseKeepsSourceAndOptions(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("X", 3600)
	d, err := Parse("  AT 06:00  ", InLocation(loc), WithLocale("ja_JP.UTF-8"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Source() != "AT 06:00" {
		t.Fatalf("Source() = %q", d.Source())
	}
	if d.Location() != loc {
		t.Fatal("location option ignored")
	}
	if d.Locale() != language.MustParse("ja-JP") {
		t.Fatalf("Locale() = %v", d.Locale())
	}
}

func TestParseDateIsDayFirst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		day      int
		month    time.Month
		hasMonth bool
	}{
		{"AT 12:00 ON 15", 15, 0, false},
		{"AT 12:00 ON 25/12", 25, time.December, true},
		{"AT 12:00 ON 05/12", 5, time.December, true},
		{"AT 12:00 ON 12/5", 12, time.May, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			d, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if day, ok := d.DayOfMonth(); !ok || day != tt.day {
				t.Fatalf("DayOfMonth() = %d %v, want %d", day, ok, tt.day)
			}
			mo, ok := d.Month()
			if ok != tt.hasMonth || mo != tt.month {
				t.Fatalf("Month() = %v %v, want %v %v", mo, ok, tt.month, tt.hasMonth)
			}
		})
	}
}

func TestParseIntervalOverflow(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"EVERY 153722867281 MIN", "EVERY 9223372036854775807 DAY"} {
		_, err := Parse(in)
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Fatalf("Parse(%q) = %v, want too large", in, err)
		}
	}
	if _, err := Parse("EVERY 153722867 MIN"); err != nil {
		t.Fatalf("largest representable interval rejected: %v", err)
	}
}
