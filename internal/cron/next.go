package cron

import (
	"fmt"
	"time"
)

// MaxAttempts bounds the forward search performed by Next: one leap year of minutes.
const MaxAttempts = 366 * 24 * 60

var (
	allDays     = span(1, 31)
	allWeekdays = span(0, 6)
)

// Matches reports whether t (in its own location) satisfies the expression.
func (e *Expression) Matches(t time.Time) bool {
	hour, minute, _ := t.Clock()
	if !e.has(Minute, minute) || !e.has(Hour, hour) {
		return false
	}
	_, month, day := t.Date()
	if !e.has(Month, int(month)) {
		return false
	}
	return e.dayMatches(day, t.Weekday())
}

func (e *Expression) dayMatches(day int, wd time.Weekday) bool {
	domWild := e.sets[DayOfMonth] == allDays
	dowWild := e.sets[DayOfWeek] == allWeekdays
	dom := e.has(DayOfMonth, day)
	dow := e.has(DayOfWeek, int(wd))

	switch {
	case domWild && dowWild:
		return true
	case domWild:
		return dow
	case dowWild:
		return dom
	default:
		return dom || dow
	}
}

// Next returns the earliest instant strictly after `after`, truncated to the
// minute, that matches the expression. The result is in after's location.
//
// Candidates that cannot match because of their month, day or hour are
// skipped a month, day or hour at a time; each step counts as one attempt.
// ErrNoMatch is returned once MaxAttempts is exhausted.
func (e *Expression) Next(after time.Time) (time.Time, error) {
	loc := after.Location()
	cur := after.Add(-time.Duration(after.Second())*time.Second - time.Duration(after.Nanosecond())).Add(time.Minute)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		year, month, day := cur.Date()
		hour, minute, _ := cur.Clock()

		var cand time.Time
		switch {
		case !e.has(Month, int(month)):
			cand = time.Date(year, month+1, 1, 0, 0, 0, 0, loc)
		case !e.dayMatches(day, cur.Weekday()):
			cand = time.Date(year, month, day+1, 0, 0, 0, 0, loc)
		case !e.has(Hour, hour):
			cand = time.Date(year, month, day, hour+1, 0, 0, 0, loc)
		case !e.has(Minute, minute):
			cand = cur.Add(time.Minute)
		default:
			return cur, nil
		}
		// Zone transitions may normalize a wall-clock jump backwards.
		if !cand.After(cur) {
			cand = cur.Add(time.Minute)
		}
		cur = cand
	}
	return time.Time{}, fmt.Errorf("%w for %q after %s", ErrNoMatch, e.source, after.Format(time.RFC3339))
}
