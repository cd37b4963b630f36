// Package systemd drives units through systemctl.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Systemctl runs the systemctl binary at Path; empty means "systemctl" from
// PATH.
type Systemctl struct {
	Path string
}

var Default Systemctl

func (s Systemctl) bin() string {
	if p := strings.TrimSpace(s.Path); p != "" {
		return p
	}
	return "systemctl"
}

// IsActive reports whether unit is active. A non-zero exit from is-active
// means inactive, not an error.
func (s Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := exec.CommandContext(ctx, s.bin(), "is-active", unit).CombinedOutput()
	state := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, fmt.Errorf("systemctl is-active %s: %w", unit, err)
	}
	return state == "active", nil
}

func (s Systemctl) Start(ctx context.Context, unit string) error   { return s.run(ctx, "start", unit) }
func (s Systemctl) Stop(ctx context.Context, unit string) error    { return s.run(ctx, "stop", unit) }
func (s Systemctl) Restart(ctx context.Context, unit string) error { return s.run(ctx, "restart", unit) }

func (s Systemctl) run(ctx context.Context, verb, unit string) error {
	out, err := exec.CommandContext(ctx, s.bin(), verb, unit).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("systemctl %s %s: %w: %s", verb, unit, err, msg)
		}
		return fmt.Errorf("systemctl %s %s: %w", verb, unit, err)
	}
	return nil
}

func IsActive(ctx context.Context, unit string) (bool, error) { return Default.IsActive(ctx, unit) }

func Start(ctx context.Context, unit string) error   { return Default.Start(ctx, unit) }
func Stop(ctx context.Context, unit string) error    { return Default.Stop(ctx, unit) }
func Restart(ctx context.Context, unit string) error { return Default.Restart(ctx, unit) }
