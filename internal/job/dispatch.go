package job

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"timerjob/internal/eventbus"
	"timerjob/internal/execctx"
	"timerjob/internal/storage"
	"timerjob/pkg/logx"
)

const (
	slowRun        = 750 * time.Millisecond
	recordTimeout  = 5 * time.Second
	skipCancelled  = "cancelled"
	skipSuspended  = "suspended"
	skipInactive   = "directive disabled"
	skipWeekdayOff = "weekday not permitted"
)

// Dispatch is the callback every timer registration invokes. It runs the
// job's work once unless the job is cancelled or suspended, its directive
// is disabled, or the current weekday is excluded. Errors and panics from
// the work are logged and recorded; they never propagate to the timer, so
// recurrence continues.
func (j *Job) Dispatch(ctx context.Context) {
	now := j.clock()
	if reason := j.skipReason(now); reason != "" {
		j.skipped.Add(1)
		j.logger().Debug("job skipped", logx.String("reason", reason))
		j.publish(eventbus.JobSkipped, eventbus.JobEvent{Reason: reason})
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ec := j.Context()
	log := j.logger()
	log.Debug("job started")
	j.publish(eventbus.JobStarted, eventbus.JobEvent{})

	err := j.invoke(ctx, ec)
	dur := j.clock().Sub(now)
	if dur < 0 {
		dur = 0
	}
	j.runs.Add(1)
	j.remember(now, dur, err)

	if err != nil {
		j.failures.Add(1)
		fields := []logx.Field{logx.Err(err), logx.Duration("duration", dur)}
		var pe *PanicError
		if errors.As(err, &pe) && j.stackLimiter.Allow() {
			fields = append(fields, logx.Stack(string(pe.Stack)))
		}
		log.Error("job execution failed", fields...)
		j.publish(eventbus.JobFailed, eventbus.JobEvent{Duration: dur, Err: err.Error()})
	} else {
		if dur >= slowRun {
			log.Info("job completed", logx.Duration("duration", dur))
		} else {
			log.Debug("job completed", logx.Duration("duration", dur))
		}
		j.publish(eventbus.JobFinished, eventbus.JobEvent{Duration: dur})
	}

	j.record(now, dur, err)
}

func (j *Job) skipReason(now time.Time) string {
	if j.cancelled.Load() {
		return skipCancelled
	}
	if j.suspended.Load() {
		return skipSuspended
	}
	d, ok := j.Directive()
	if !ok || !d.Active() {
		return skipInactive
	}
	if !d.Permits(now) {
		return skipWeekdayOff
	}
	return ""
}

func (j *Job) invoke(ctx context.Context, ec execctx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	if j.runner == nil {
		return nil
	}
	return j.runner.Run(ctx, ec)
}

func (j *Job) remember(start time.Time, dur time.Duration, err error) {
	r := Run{Started: start, Duration: dur}
	if err != nil {
		r.Error = err.Error()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastRun, j.lastDur, j.lastErr = start, dur, r.Error
	j.history = append(j.history, r)
	if n := len(j.history) - j.historySize; n > 0 {
		j.history = append(j.history[:0:0], j.history[n:]...)
	}
}

func (j *Job) record(start time.Time, dur time.Duration, err error) {
	j.mu.Lock()
	rec := j.recorder
	j.mu.Unlock()
	if rec == nil {
		return
	}
	r := storage.RunRecord{JobID: j.id, JobName: j.name, StartedAt: start, Duration: dur}
	if err != nil {
		r.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if werr := rec.AppendRun(ctx, r); werr != nil {
		j.logger().Warn("run record not stored", logx.Err(werr))
	}
}
