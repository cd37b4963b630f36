package scheduler

import (
	"errors"
	"fmt"
	"time"

	"timerjob/internal/cron"
	"timerjob/internal/directive"
)

var ErrNoOccurrence = errors.New("directive has no future occurrence")

// calendarMonths bounds the search for a day-of-month occurrence. Nine
// years covers the longest gap between two February 29ths.
const calendarMonths = 9 * 12

// nextClock returns the next hh:mm in loc strictly after now.
func nextClock(now time.Time, loc *time.Location, hour, minute int) time.Time {
	t := now.In(loc)
	cand := time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
	if !cand.After(now) {
		cand = time.Date(t.Year(), t.Month(), t.Day()+1, hour, minute, 0, 0, loc)
	}
	return cand
}

// nextDate returns the next day-of-month occurrence strictly after now.
// month == 0 means every month. Months lacking the day are skipped.
func nextDate(now time.Time, loc *time.Location, month time.Month, day, hour, minute int) (time.Time, error) {
	t := now.In(loc)
	y, m := t.Year(), t.Month()
	for i := 0; i <= calendarMonths; i++ {
		if (month == 0 || m == month) && day <= daysIn(y, m) {
			cand := time.Date(y, m, day, hour, minute, 0, 0, loc)
			if cand.After(now) {
				return cand, nil
			}
		}
		if m == time.December {
			y, m = y+1, time.January
		} else {
			m++
		}
	}
	return time.Time{}, fmt.Errorf("%w: day %d of %s", ErrNoOccurrence, day, monthName(month))
}

func daysIn(year int, m time.Month) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func monthName(m time.Month) string {
	if m == 0 {
		return "every month"
	}
	return m.String()
}

// calendarNext returns the NextFunc for directives served by a Recurring
// chain: cron expressions and monthly or yearly dates.
func calendarNext(d directive.Directive) (NextFunc, bool, error) {
	loc := d.Location()
	switch d.Kind() {
	case directive.Cron:
		src, _ := d.CronExpr()
		expr, err := cron.Parse(src)
		if err != nil {
			return nil, false, err
		}
		return func(after time.Time) (time.Time, error) { return expr.Next(after.In(loc)) }, true, nil
	case directive.Date:
		day, ok := d.DayOfMonth()
		if !ok {
			return nil, false, nil
		}
		month, _ := d.Month()
		hour, minute, _ := d.Clock()
		return func(after time.Time) (time.Time, error) {
			return nextDate(after, loc, month, day, hour, minute)
		}, true, nil
	default:
		return nil, false, nil
	}
}
