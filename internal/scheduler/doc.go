// Package scheduler maps job directives onto a timer facility.
//
// Interval jobs start after a jittered delay and then repeat with a fixed
// delay. Clock jobs (TIME, daily DATE) fire at the next hh:mm and then every
// 24 hours; weekday filters are applied when the job dispatches. Cron
// expressions and monthly or yearly dates run as a Recurring chain of
// one-shot registrations, each link computing the next occurrence after it
// fires.
package scheduler
