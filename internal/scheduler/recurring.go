package scheduler

import (
	"context"
	"sync"
	"time"

	"timerjob/internal/timer"
)

// NextFunc returns the first occurrence strictly after the given instant.
type NextFunc func(after time.Time) (time.Time, error)

// Recurring is a self-rescheduling chain of one-shot registrations. Each
// link fires, then computes the following occurrence from the facility
// clock and registers the next link. The chain ends on Cancel or on the
// first failure to compute or register a link; onStop learns which.
//
// Recurring implements timer.Registration.
type Recurring struct {
	fac    timer.Facility
	next   NextFunc
	fire   func(ctx context.Context, at time.Time)
	onStop func(err error)

	mu      sync.Mutex
	cur     timer.Registration
	at      time.Time
	stopped bool
}

func NewRecurring(fac timer.Facility, next NextFunc, fire func(ctx context.Context, at time.Time), onStop func(err error)) *Recurring {
	return &Recurring{fac: fac, next: next, fire: fire, onStop: onStop}
}

// Start registers the first link after now. An error here leaves the chain
// stopped without calling onStop.
func (r *Recurring) Start(now time.Time) error {
	if err := r.arm(now); err != nil {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Recurring) arm(after time.Time) error {
	at, err := r.next(after)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	reg, err := r.fac.Once(at, r.link(at))
	if err != nil {
		return err
	}
	r.cur, r.at = reg, at
	return nil
}

func (r *Recurring) link(at time.Time) timer.Func {
	return func(ctx context.Context) {
		if r.Stopped() {
			return
		}
		if r.fire != nil {
			r.fire(ctx, at)
		}
		if r.Stopped() {
			return
		}
		after := r.fac.Now()
		if after.Before(at) {
			after = at
		}
		if err := r.arm(after); err != nil {
			r.stop(err)
		}
	}
}

// Cancel ends the chain. It reports whether the chain was still running.
func (r *Recurring) Cancel() bool { return r.stop(nil) }

func (r *Recurring) stop(err error) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.stopped = true
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()

	if cur != nil {
		cur.Cancel()
	}
	if r.onStop != nil {
		r.onStop(err)
	}
	return true
}

func (r *Recurring) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Next reports the instant of the pending link.
func (r *Recurring) Next() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.cur == nil {
		return time.Time{}, false
	}
	return r.at, true
}
