package app

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"timerjob/internal/execctx"
	"timerjob/internal/job"
	"timerjob/pkg/logx"
	"timerjob/pkg/systemd"
)

// ---- log ----

// newLogKind writes one log line per firing and keeps a persistent counter
// in the "count" property.
func newLogKind(env KindEnv) (job.Runner, error) {
	level := strings.ToLower(strings.TrimSpace(env.Properties["level"]))
	switch level {
	case "", "debug", "info", "warn":
	default:
		return nil, fmt.Errorf("level %q: want debug, info or warn", level)
	}
	return job.RunnerFunc(func(_ context.Context, ec execctx.Context) error {
		n := execctx.Int(ec, "count", 0) + 1
		if err := ec.SetProperty("count", strconv.Itoa(n)); err != nil {
			return fmt.Errorf("persist count: %w", err)
		}
		msg := ec.PropertyOr("message", "heartbeat")
		switch level {
		case "debug":
			ec.Logger().Debug(msg, logx.Int("count", n))
		case "warn":
			ec.Logger().Warn(msg, logx.Int("count", n))
		default:
			ec.Logger().Info(msg, logx.Int("count", n))
		}
		return nil
	}), nil
}

// ---- prune_history ----

// newPruneKind deletes run records older than the "retention" property, or
// scheduler.history_retention when the property is absent.
func newPruneKind(env KindEnv) (job.Runner, error) {
	if v := strings.TrimSpace(env.Properties["retention"]); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("retention %q: must be a positive duration", v)
		}
	} else if env.Retention <= 0 {
		return nil, errors.New("retention property is required when scheduler.history_retention is unset")
	}
	store, def := env.Store, env.Retention
	return job.RunnerFunc(func(ctx context.Context, ec execctx.Context) error {
		if store == nil {
			ec.Logger().Debug("storage disabled; nothing to prune")
			return nil
		}
		cutoff := time.Now().Add(-execctx.Duration(ec, "retention", def))
		n, err := store.PruneRuns(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		if err := ec.SetProperty("last_pruned", strconv.Itoa(n)); err != nil {
			ec.Logger().Warn("persist last_pruned failed", logx.Err(err))
		}
		if n > 0 {
			ec.Logger().Info("run history pruned", logx.Int("removed", n), logx.Time("before", cutoff))
		}
		return nil
	}), nil
}

// ---- command ----

const commandOutputMax = 4 << 10

// newCommandKind runs an external program. Properties: command (required),
// args (whitespace separated), dir, timeout, shell=true to run command
// through /bin/sh -c.
func newCommandKind(env KindEnv) (job.Runner, error) {
	p := env.Properties
	name := strings.TrimSpace(p["command"])
	if name == "" {
		return nil, errors.New("command property is required")
	}
	timeout, err := positiveDuration("timeout", p["timeout"])
	if err != nil {
		return nil, err
	}
	shell, err := boolProp("shell", p["shell"])
	if err != nil {
		return nil, err
	}
	args := strings.Fields(p["args"])
	dir := strings.TrimSpace(p["dir"])

	return job.RunnerFunc(func(ctx context.Context, ec execctx.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		var cmd *exec.Cmd
		if shell {
			// args become $1.. of the script.
			cmd = exec.CommandContext(ctx, "/bin/sh", append([]string{"-c", name, "timerjob"}, args...)...)
		} else {
			cmd = exec.CommandContext(ctx, name, args...)
		}
		cmd.Dir = dir
		out := &tailBuffer{max: commandOutputMax}
		cmd.Stdout, cmd.Stderr = out, out

		runErr := cmd.Run()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err := ec.SetProperty("last_exit", strconv.Itoa(code)); err != nil {
			ec.Logger().Warn("persist last_exit failed", logx.Err(err))
		}
		if runErr != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%s: timed out after %s", name, timeout)
			}
			if msg := strings.TrimSpace(out.String()); msg != "" {
				return fmt.Errorf("%s: %w: %s", name, runErr, msg)
			}
			return fmt.Errorf("%s: %w", name, runErr)
		}
		ec.Logger().Debug("command finished",
			logx.String("command", name), logx.Int("exit", code), logx.Int("output_bytes", out.n))
		return nil
	}), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	n   int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.n += len(p)
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

// ---- systemd_unit ----

var unitActions = map[string]bool{"ensure_active": true, "start": true, "stop": true, "restart": true}

// newSystemdKind acts on a systemd unit. Properties: unit (required),
// action (ensure_active, start, stop, restart; default ensure_active),
// systemctl (binary path).
func newSystemdKind(env KindEnv) (job.Runner, error) {
	unit := strings.TrimSpace(env.Properties["unit"])
	if unit == "" {
		return nil, errors.New("unit property is required")
	}
	action := strings.ToLower(strings.TrimSpace(env.Properties["action"]))
	if action == "" {
		action = "ensure_active"
	}
	if !unitActions[action] {
		return nil, fmt.Errorf("action %q: want ensure_active, start, stop or restart", action)
	}
	ctl := systemd.Systemctl{Path: env.Properties["systemctl"]}

	return job.RunnerFunc(func(ctx context.Context, ec execctx.Context) error {
		switch action {
		case "start":
			return ctl.Start(ctx, unit)
		case "stop":
			return ctl.Stop(ctx, unit)
		case "restart":
			return ctl.Restart(ctx, unit)
		}
		active, err := ctl.IsActive(ctx, unit)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		ec.Logger().Warn("unit inactive; starting", logx.String("unit", unit))
		if err := ctl.Start(ctx, unit); err != nil {
			return err
		}
		n := execctx.Int(ec, "recoveries", 0) + 1
		if err := ec.SetProperty("recoveries", strconv.Itoa(n)); err != nil {
			ec.Logger().Warn("persist recoveries failed", logx.Err(err))
		}
		return nil
	}), nil
}

// ---- property helpers ----

func positiveDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s %q: must be >= 0", key, raw)
	}
	return d, nil
}

func boolProp(key, raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s %q: want true or false", key, raw)
	}
	return b, nil
}
