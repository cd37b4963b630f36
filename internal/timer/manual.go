package timer

import (
	"context"
	"sync"
	"time"
)

// Manual is a Facility driven by a virtual clock. Callbacks run on the
// goroutine that advances the clock, in due-time order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualEntry
}

func NewManual(start time.Time) *Manual { return &Manual{now: start} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Once(at time.Time, fn Func) (Registration, error) {
	if err := check(fn, 0, false); err != nil {
		return nil, err
	}
	return m.add(&manualEntry{at: at, fn: fn}), nil
}

func (m *Manual) Every(first time.Time, period time.Duration, fn Func) (Registration, error) {
	if err := check(fn, period, true); err != nil {
		return nil, err
	}
	return m.add(&manualEntry{at: first, period: period, fn: fn}), nil
}

func (m *Manual) add(e *manualEntry) *manualEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.m = m
	m.seq++
	e.seq = m.seq
	m.pending = append(m.pending, e)
	return e
}

// Pending returns the number of live registrations.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextAt returns the earliest pending due time.
func (m *Manual) NextAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.earliest(); e != nil {
		return e.at, true
	}
	return time.Time{}, false
}

// Advance moves the clock forward by d. See AdvanceTo.
func (m *Manual) Advance(d time.Duration) int {
	return m.AdvanceTo(m.Now().Add(d))
}

// AdvanceTo fires every registration due at or before t, moving the clock to
// each due time in turn, and returns the number of firings. Registrations
// made by callbacks are honoured within the same call.
func (m *Manual) AdvanceTo(t time.Time) int {
	fired := 0
	for {
		m.mu.Lock()
		e := m.earliest()
		if e == nil || e.at.After(t) {
			if t.After(m.now) {
				m.now = t
			}
			m.mu.Unlock()
			return fired
		}
		if e.at.After(m.now) {
			m.now = e.at
		}
		if e.period > 0 {
			e.at = m.now.Add(e.period)
			m.seq++
			e.seq = m.seq
		} else {
			m.remove(e)
		}
		m.mu.Unlock()

		e.fn(context.Background())
		fired++
	}
}

func (m *Manual) earliest() *manualEntry {
	var best *manualEntry
	for _, e := range m.pending {
		if best == nil || e.at.Before(best.at) || (e.at.Equal(best.at) && e.seq < best.seq) {
			best = e
		}
	}
	return best
}

func (m *Manual) remove(e *manualEntry) bool {
	for i, p := range m.pending {
		if p == e {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return true
		}
	}
	return false
}

type manualEntry struct {
	m      *Manual
	at     time.Time
	period time.Duration
	fn     Func
	seq    uint64
}

func (e *manualEntry) Cancel() bool {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	return e.m.remove(e)
}
