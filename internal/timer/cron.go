package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"timerjob/pkg/logx"
)

// Cron is a Facility backed by robfig/cron. Firings are serialized across all
// registrations and panics are recovered by cron.Recover.
type Cron struct {
	c   *cron.Cron
	log logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	stopped bool
}

// NewCron builds a facility whose clock runs in loc (time.Local when nil).
func NewCron(log logx.Logger, loc *time.Location) *Cron {
	if loc == nil {
		loc = time.Local
	}
	var serial sync.Mutex
	cl := CronLogger(log)
	f := &Cron{log: log, ctx: context.Background()}
	f.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), serialize(&serial)),
	)
	return f
}

func serialize(mu *sync.Mutex) cron.JobWrapper {
	return func(j cron.Job) cron.Job {
		return cron.FuncJob(func() {
			mu.Lock()
			defer mu.Unlock()
			j.Run()
		})
	}
}

func (f *Cron) Now() time.Time { return time.Now().In(f.c.Location()) }

// Start begins dispatching. ctx is handed to every callback.
func (f *Cron) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	f.c.Start()
}

// Stop halts the scheduler and waits for running callbacks, bounded by ctx.
func (f *Cron) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	done := f.c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Cron) Once(at time.Time, fn Func) (Registration, error) {
	if err := check(fn, 0, false); err != nil {
		return nil, err
	}
	reg := &cronEntry{f: f}
	sched := &onceSchedule{at: at}
	sched.armed.Store(true)
	return f.add(reg, sched, func() {
		// context() waits for add to publish the entry id.
		ctx := f.context()
		// A one-shot entry never becomes due again; drop it from the table.
		reg.Cancel()
		fn(ctx)
	})
}

func (f *Cron) Every(first time.Time, period time.Duration, fn Func) (Registration, error) {
	if err := check(fn, period, true); err != nil {
		return nil, err
	}
	reg := &cronEntry{f: f}
	sched := &periodSchedule{first: first, period: period}
	return f.add(reg, sched, func() { fn(f.context()) })
}

func (f *Cron) add(reg *cronEntry, sched cron.Schedule, run func()) (Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil, ErrStopped
	}
	reg.id = f.c.Schedule(sched, cron.FuncJob(run))
	reg.live.Store(true)
	return reg, nil
}

func (f *Cron) context() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

type cronEntry struct {
	f    *Cron
	id   cron.EntryID
	live atomic.Bool
}

func (e *cronEntry) Cancel() bool {
	if !e.live.CompareAndSwap(true, false) {
		return false
	}
	e.f.c.Remove(e.id)
	return true
}

// onceSchedule yields `at` exactly once. robfig/cron asks for the next time
// once when the entry is activated and again after every run.
type onceSchedule struct {
	at    time.Time
	armed atomic.Bool
}

func (s *onceSchedule) Next(time.Time) time.Time {
	if s.armed.CompareAndSwap(true, false) {
		return s.at
	}
	return time.Time{}
}

// periodSchedule yields `first`, then now+period after every run.
type periodSchedule struct {
	first   time.Time
	period  time.Duration
	started atomic.Bool
}

func (s *periodSchedule) Next(now time.Time) time.Time {
	if s.started.CompareAndSwap(false, true) {
		return s.first
	}
	return now.Add(s.period)
}

// CronLogger adapts a logx.Logger to cron.Logger. robfig's info messages are
// per-tick noise and go to debug.
func CronLogger(log logx.Logger) cron.Logger { return cronLogger{log: log} }

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
