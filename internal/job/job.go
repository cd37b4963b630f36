// Package job holds the lifecycle of one unit of scheduled work.
//
// A Job starts Active, may move between Active and Suspended any number of
// times, and ends Cancelled. Suspension only gates execution: the timer
// registration made by Schedule stays in place, so Resume needs no
// re-registration.
package job

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"timerjob/internal/directive"
	"timerjob/internal/eventbus"
	"timerjob/internal/execctx"
	"timerjob/internal/storage"
	"timerjob/internal/timer"
	"timerjob/pkg/logx"
)

// Runner is the work a job performs on each firing.
type Runner interface {
	Run(ctx context.Context, ec execctx.Context) error
}

type RunnerFunc func(ctx context.Context, ec execctx.Context) error

func (f RunnerFunc) Run(ctx context.Context, ec execctx.Context) error { return f(ctx, ec) }

// Initializer is an optional Runner hook called once by Schedule, before
// the job is registered.
type Initializer interface {
	Init(ctx context.Context, ec execctx.Context) error
}

// Cleaner is an optional Runner hook called once when the job is cancelled.
type Cleaner interface {
	Cleanup(ec execctx.Context) error
}

// Registrar turns a job's directive into timer registrations.
type Registrar interface {
	Register(j *Job) (timer.Registration, error)
}

// Recorder persists one record per executed firing. storage.Store satisfies it.
type Recorder interface {
	AppendRun(ctx context.Context, r storage.RunRecord) error
}

type State int

const (
	Active State = iota
	Suspended
	Cancelled
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const defaultHistorySize = 32

// Job is safe for concurrent use.
type Job struct {
	id     string
	name   string
	runner Runner

	suspended atomic.Bool
	cancelled atomic.Bool

	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	stackLimiter *rate.Limiter

	mu          sync.Mutex
	log         logx.Logger
	bus         eventbus.Bus
	recorder    Recorder
	now         func() time.Time
	dir         directive.Directive
	hasDir      bool
	ec          execctx.Context
	reg         timer.Registration
	termErr     error
	lastRun     time.Time
	lastDur     time.Duration
	lastErr     string
	history     []Run
	historySize int
	cleanupOnce sync.Once
}

// Run is one entry of the in-memory execution history.
type Run struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Option func(*Job)

func WithLogger(log logx.Logger) Option { return func(j *Job) { j.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(j *Job) { j.bus = bus } }

func WithRecorder(r Recorder) Option { return func(j *Job) { j.recorder = r } }

func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

func WithDirective(d directive.Directive) Option {
	return func(j *Job) { j.dir, j.hasDir = d, true }
}

func WithContext(ec execctx.Context) Option { return func(j *Job) { j.ec = ec } }

// WithHistorySize bounds the in-memory run history (default 32).
func WithHistorySize(n int) Option { return func(j *Job) { j.historySize = n } }

// New creates an Active job. The name is for humans and need not be unique;
// ID() is.
func New(name string, r Runner, opts ...Option) *Job {
	j := &Job{
		id:           uuid.NewString(),
		name:         name,
		runner:       r,
		stackLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
		historySize:  defaultHistorySize,
	}
	for _, o := range opts {
		o(j)
	}
	if j.historySize <= 0 {
		j.historySize = defaultHistorySize
	}
	return j
}

// Env carries collaborators a scheduler lends to the jobs it owns.
type Env struct {
	Log      logx.Logger
	Bus      eventbus.Bus
	Recorder Recorder
	Now      func() time.Time
}

// Attach fills collaborators that were not set through options.
func (j *Job) Attach(env Env) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.log.IsZero() {
		j.log = env.Log
	}
	if j.bus == nil {
		j.bus = env.Bus
	}
	if j.recorder == nil {
		j.recorder = env.Recorder
	}
	if j.now == nil {
		j.now = env.Now
	}
}

func (j *Job) ID() string   { return j.id }
func (j *Job) Name() string { return j.name }

// SetDirective replaces the directive. It takes effect at the next Schedule.
func (j *Job) SetDirective(d directive.Directive) {
	j.mu.Lock()
	j.dir, j.hasDir = d, true
	j.mu.Unlock()
}

// Directive returns the current directive and whether one was set.
func (j *Job) Directive() (directive.Directive, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dir, j.hasDir
}

func (j *Job) SetContext(ec execctx.Context) {
	j.mu.Lock()
	j.ec = ec
	j.mu.Unlock()
}

// Context returns the execution context, creating an in-memory one on first use.
func (j *Job) Context() execctx.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ec == nil {
		j.ec = execctx.New(j.log, j.name, nil)
	}
	return j.ec
}

func (j *Job) State() State {
	switch {
	case j.cancelled.Load():
		return Cancelled
	case j.suspended.Load():
		return Suspended
	default:
		return Active
	}
}

func (j *Job) IsCancelled() bool { return j.cancelled.Load() }
func (j *Job) IsSuspended() bool { return j.suspended.Load() }

// Err returns the error that terminated the job, if recurrence stopped
// because of a failure rather than a Cancel call.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.termErr
}

// Schedule registers the job with r according to its directive.
//
// A job with an inactive directive is left unregistered and nil is returned.
// If the init hook or the registration fails, the job is cancelled and a
// *SchedulingError is returned.
func (j *Job) Schedule(r Registrar) error {
	d, ok := j.Directive()
	if !ok {
		return fmt.Errorf("job %q: %w", j.name, ErrNoDirective)
	}
	if r == nil {
		return fmt.Errorf("job %q: %w", j.name, ErrNoRegistrar)
	}
	if j.cancelled.Load() {
		return fmt.Errorf("job %q: %w", j.name, ErrCancelled)
	}
	log := j.logger()
	if !d.Active() {
		log.Info("job not scheduled: directive is disabled")
		return nil
	}

	if init, ok := j.runner.(Initializer); ok {
		if err := callHook(func() error { return init.Init(context.Background(), j.Context()) }); err != nil {
			return j.failSchedule(fmt.Errorf("init: %w", err))
		}
	}

	reg, err := r.Register(j)
	if err != nil {
		return j.failSchedule(err)
	}

	j.mu.Lock()
	prev := j.reg
	j.reg = reg
	j.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	// Cancel may have raced with Register.
	if j.cancelled.Load() {
		reg.Cancel()
		return fmt.Errorf("job %q: %w", j.name, ErrCancelled)
	}

	log.Info("job scheduled", logx.String("schedule", d.Description()))
	j.publish(eventbus.JobScheduled, eventbus.JobEvent{Reason: d.Description()})
	return nil
}

func (j *Job) failSchedule(err error) error {
	serr := &SchedulingError{Job: j.name, Err: err}
	j.logger().Error("job scheduling failed", logx.Err(err))
	j.terminate(serr)
	return serr
}

// Suspend stops executions without touching the timer registration.
func (j *Job) Suspend() {
	if j.cancelled.Load() || j.suspended.Swap(true) {
		return
	}
	j.logger().Info("job suspended")
	j.publish(eventbus.JobSuspended, eventbus.JobEvent{})
}

// Resume re-enables executions of a suspended job.
func (j *Job) Resume() {
	if j.cancelled.Load() || !j.suspended.Swap(false) {
		return
	}
	j.logger().Info("job resumed")
	j.publish(eventbus.JobResumed, eventbus.JobEvent{})
}

// Cancel permanently stops the job: the registration is cancelled and the
// cleanup hook runs once. Calling Cancel again has no effect.
func (j *Job) Cancel() { j.terminate(nil) }

// Abort cancels the job and records err as the reason recurrence stopped.
func (j *Job) Abort(err error) { j.terminate(err) }

func (j *Job) terminate(cause error) {
	if !j.cancelled.CompareAndSwap(false, true) {
		return
	}
	j.mu.Lock()
	reg := j.reg
	j.reg = nil
	if cause != nil {
		j.termErr = cause
	}
	j.mu.Unlock()

	if reg != nil {
		reg.Cancel()
	}
	j.cleanup()

	ev := eventbus.JobEvent{Reason: "cancelled"}
	if cause != nil {
		ev.Reason = "aborted"
		ev.Err = cause.Error()
	}
	j.logger().Info("job cancelled", logx.Err(cause))
	j.publish(eventbus.JobCancelled, ev)
}

func (j *Job) cleanup() {
	c, ok := j.runner.(Cleaner)
	if !ok {
		return
	}
	j.cleanupOnce.Do(func() {
		if err := callHook(func() error { return c.Cleanup(j.Context()) }); err != nil {
			j.logger().Warn("job cleanup failed", logx.Err(err))
		}
	})
}

// callHook runs fn, turning a panic into a *PanicError.
func callHook(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func (j *Job) logger() logx.Logger {
	j.mu.Lock()
	log := j.log
	j.mu.Unlock()
	return log.With(logx.String("job", j.name), logx.String("job_id", j.id))
}

func (j *Job) clock() time.Time {
	j.mu.Lock()
	now := j.now
	j.mu.Unlock()
	if now == nil {
		return time.Now()
	}
	return now()
}

func (j *Job) publish(typ string, ev eventbus.JobEvent) {
	j.mu.Lock()
	bus := j.bus
	j.mu.Unlock()
	if bus == nil {
		return
	}
	ev.JobID, ev.JobName = j.id, j.name
	bus.Publish(eventbus.Event{Type: typ, Time: j.clock(), Data: ev})
}

// Snapshot is a point-in-time view of a job for status output.
type Snapshot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Schedule     string        `json:"schedule"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	Err          string        `json:"err,omitempty"`
	History      []Run         `json:"history,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	s := Snapshot{
		ID:       j.id,
		Name:     j.name,
		State:    j.State().String(),
		Runs:     j.runs.Load(),
		Failures: j.failures.Load(),
		Skipped:  j.skipped.Load(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.hasDir {
		s.Schedule = j.dir.Description()
	}
	s.LastRun, s.LastDuration, s.LastError = j.lastRun, j.lastDur, j.lastErr
	if j.termErr != nil {
		s.Err = j.termErr.Error()
	}
	s.History = append([]Run(nil), j.history...)
	return s
}
