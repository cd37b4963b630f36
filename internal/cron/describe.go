package cron

import (
	"strconv"
	"strings"
	"time"
)

// Describe renders the expression as short English text, e.g.
// "at minute 0 of hour 9 on Monday, Friday".
func (e *Expression) Describe() string {
	parts := make([]string, 0, 4)

	if e.sets[Minute] == span(0, 59) {
		parts = append(parts, "every minute")
	} else {
		parts = append(parts, "at minute "+joinInts(e.Values(Minute)))
	}
	if e.sets[Hour] != span(0, 23) {
		parts = append(parts, "of hour "+joinInts(e.Values(Hour)))
	}

	domWild := e.sets[DayOfMonth] == allDays
	dowWild := e.sets[DayOfWeek] == allWeekdays
	switch {
	case domWild && dowWild:
		parts = append(parts, "every day")
	case dowWild:
		parts = append(parts, "on day "+joinInts(e.Values(DayOfMonth)))
	case domWild:
		parts = append(parts, "on "+weekdayNames(e.Values(DayOfWeek)))
	default:
		parts = append(parts, "on day "+joinInts(e.Values(DayOfMonth))+" or on "+weekdayNames(e.Values(DayOfWeek)))
	}

	if e.sets[Month] != span(1, 12) {
		months := e.Values(Month)
		names := make([]string, len(months))
		for i, m := range months {
			names[i] = time.Month(m).String()
		}
		parts = append(parts, "in "+strings.Join(names, ", "))
	}
	return strings.Join(parts, " ")
}

func joinInts(vs []int) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}

func weekdayNames(vs []int) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = time.Weekday(v).String()
	}
	return strings.Join(s, ", ")
}
