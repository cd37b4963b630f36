package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"timerjob/internal/directive"
	"timerjob/internal/eventbus"
	"timerjob/internal/job"
	"timerjob/internal/timer"
	"timerjob/pkg/logx"
)

const (
	DefaultInitialDelayMin = 60 * time.Second
	DefaultInitialDelayMax = 70 * time.Second

	day = 24 * time.Hour
)

var ErrUnsupportedKind = errors.New("directive kind cannot be scheduled")

// Scheduler turns job directives into registrations on a timer facility.
// It implements job.Registrar.
type Scheduler struct {
	fac      timer.Facility
	log      logx.Logger
	bus      eventbus.Bus
	rec      job.Recorder
	now      func() time.Time
	loc      *time.Location
	delayMin time.Duration
	delayMax time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand

	mu      sync.Mutex
	entries map[string]*tracked
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Scheduler) { s.bus = bus } }

// WithRecorder stores a run record for every executed firing.
func WithRecorder(r job.Recorder) Option { return func(s *Scheduler) { s.rec = r } }

// WithClock overrides the facility clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithRand sets the jitter source for interval start delays.
func WithRand(r *rand.Rand) Option { return func(s *Scheduler) { s.rng = r } }

// WithInitialDelay bounds the start delay of interval jobs to [lo, hi).
func WithInitialDelay(lo, hi time.Duration) Option {
	return func(s *Scheduler) { s.delayMin, s.delayMax = lo, hi }
}

// WithLocation sets the zone reported by Snapshot.
func WithLocation(loc *time.Location) Option { return func(s *Scheduler) { s.loc = loc } }

func New(fac timer.Facility, opts ...Option) *Scheduler {
	s := &Scheduler{
		fac:      fac,
		delayMin: DefaultInitialDelayMin,
		delayMax: DefaultInitialDelayMax,
		entries:  map[string]*tracked{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop{}
	}
	if s.now == nil {
		s.now = fac.Now
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if s.delayMin < 0 {
		s.delayMin = 0
	}
	if s.delayMax < s.delayMin {
		s.delayMax = s.delayMin
	}
	return s
}

// Schedule is shorthand for j.Schedule(s).
func (s *Scheduler) Schedule(j *job.Job) error { return j.Schedule(s) }

// Register creates the timer registrations for j's directive. It is called
// by job.Schedule; use Schedule instead.
func (s *Scheduler) Register(j *job.Job) (timer.Registration, error) {
	d, ok := j.Directive()
	if !ok {
		return nil, job.ErrNoDirective
	}
	j.Attach(job.Env{Log: s.log, Bus: s.bus, Recorder: s.rec, Now: s.now})

	now := s.now()
	log := s.log.With(logx.String("job", j.Name()), logx.String("kind", d.Kind().String()))

	next, chained, err := calendarNext(d)
	if err != nil {
		return nil, err
	}
	if chained {
		rec := NewRecurring(s.fac, next,
			func(ctx context.Context, _ time.Time) { j.Dispatch(ctx) },
			func(err error) { s.chainStopped(j, err) },
		)
		if err := rec.Start(now); err != nil {
			return nil, err
		}
		first, _ := rec.Next()
		log.Debug("job registered", logx.Time("first", first))
		return s.track(j, rec, rec.Next), nil
	}

	var first time.Time
	var period time.Duration
	switch d.Kind() {
	case directive.Interval:
		period, _ = d.Interval()
		first = now.Add(s.initialDelay())
	case directive.Time, directive.Date:
		h, m, _ := d.Clock()
		first, period = nextClock(now, d.Location(), h, m), day
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, d.Kind())
	}
	reg, err := s.fac.Every(first, period, j.Dispatch)
	if err != nil {
		return nil, err
	}
	log.Debug("job registered", logx.Time("first", first), logx.Duration("period", period))
	return s.track(j, reg, periodicNext(first, period, s.now, d.Permits)), nil
}

func (s *Scheduler) chainStopped(j *job.Job, err error) {
	if err == nil {
		return
	}
	s.log.Error("job rescheduling failed",
		logx.String("job", j.Name()), logx.String("job_id", j.ID()), logx.Err(err))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.JobRescheduleFailed,
		Time: s.now(),
		Data: eventbus.JobEvent{JobID: j.ID(), JobName: j.Name(), Err: err.Error()},
	})
	j.Abort(err)
}

func (s *Scheduler) initialDelay() time.Duration {
	span := s.delayMax - s.delayMin
	if span <= 0 {
		return s.delayMin
	}
	s.rngMu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(span)))
	s.rngMu.Unlock()
	return s.delayMin + jitter
}

// periodicNext reports the next firing the dispatch wrapper will not skip.
func periodicNext(first time.Time, period time.Duration, now func() time.Time, permits func(time.Time) bool) func() (time.Time, bool) {
	return func() (time.Time, bool) {
		at := first
		if t := now(); !t.Before(first) {
			at = first.Add((t.Sub(first)/period + 1) * period)
		}
		for i := 0; i < 7; i++ {
			if permits == nil || permits(at) {
				return at, true
			}
			at = at.Add(period)
		}
		return time.Time{}, false
	}
}

// tracked wraps a registration so the scheduler forgets the job once the
// registration is cancelled.
type tracked struct {
	reg  timer.Registration
	job  *job.Job
	next func() (time.Time, bool)
	s    *Scheduler
}

func (t *tracked) Cancel() bool {
	ok := t.reg.Cancel()
	t.s.forget(t)
	return ok
}

func (s *Scheduler) track(j *job.Job, reg timer.Registration, next func() (time.Time, bool)) *tracked {
	t := &tracked{reg: reg, job: j, next: next, s: s}
	s.mu.Lock()
	s.entries[j.ID()] = t
	s.mu.Unlock()
	return t
}

func (s *Scheduler) forget(t *tracked) {
	s.mu.Lock()
	if cur, ok := s.entries[t.job.ID()]; ok && cur == t {
		delete(s.entries, t.job.ID())
	}
	s.mu.Unlock()
}

// Jobs returns the jobs with a live registration, ordered by name.
func (s *Scheduler) Jobs() []*job.Job {
	s.mu.Lock()
	out := make([]*job.Job, 0, len(s.entries))
	for _, t := range s.entries {
		out = append(out, t.job)
	}
	s.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].Name() != out[b].Name() {
			return out[a].Name() < out[b].Name()
		}
		return out[a].ID() < out[b].ID()
	})
	return out
}

// CancelAll cancels every tracked job.
func (s *Scheduler) CancelAll() {
	jobs := s.Jobs()
	for _, j := range jobs {
		j.Cancel()
	}
	if len(jobs) > 0 {
		s.log.Info("all jobs cancelled", logx.Int("count", len(jobs)))
	}
}
