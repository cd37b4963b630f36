// Package timer provides the facilities that fire scheduled callbacks.
//
// A Facility accepts one-shot and periodic registrations. Three
// implementations are provided:
//
//   - Queue: an in-process delay queue drained by one worker goroutine.
//   - Cron: a facility backed by github.com/robfig/cron/v3.
//   - Manual: a virtual clock for deterministic tests.
//
// Firings from a single Queue or Cron never overlap; a slow callback delays
// the firings behind it.
package timer

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStopped   = errors.New("timer facility stopped")
	ErrNilFunc   = errors.New("timer callback is nil")
	ErrBadPeriod = errors.New("timer period must be positive")
)

// Func is invoked on each firing.
type Func func(ctx context.Context)

// Registration is a handle for a pending firing or periodic series.
type Registration interface {
	// Cancel prevents future firings. It reports whether the registration was
	// still live; it never interrupts a callback that is already running.
	Cancel() bool
}

// Facility schedules callbacks.
type Facility interface {
	Now() time.Time
	Once(at time.Time, fn Func) (Registration, error)
	// Every fires first at `first`, then with fixed delay `period` measured
	// from the start of the previous firing.
	Every(first time.Time, period time.Duration, fn Func) (Registration, error)
}

func check(fn Func, period time.Duration, periodic bool) error {
	if fn == nil {
		return ErrNilFunc
	}
	if periodic && period <= 0 {
		return ErrBadPeriod
	}
	return nil
}
