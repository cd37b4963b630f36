package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"timerjob/internal/execctx"
	"timerjob/internal/job"
	"timerjob/internal/storage"
	"timerjob/pkg/logx"
)

func build(t *testing.T, kind string, env KindEnv) job.Runner {
	t.Helper()
	r, err := NewKinds().Build(kind, env)
	if err != nil {
		t.Fatalf("Build(%s): %v", kind, err)
	}
	return r
}

func needShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
}

func TestKindsRegistry(t *testing.T) {
	t.Parallel()

	k := NewKinds()
	if got := strings.Join(k.Names(), ","); got != "command,log,prune_history,systemd_unit" {
		t.Fatalf("Names = %s", got)
	}
	if _, err := k.Build("nope", KindEnv{}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind = %v", err)
	}

	called := false
	k.Register(" Custom ", func(KindEnv) (job.Runner, error) {
		called = true
		return job.RunnerFunc(func(context.Context, execctx.Context) error { return nil }), nil
	})
	if _, err := k.Build("CUSTOM", KindEnv{}); err != nil || !called {
		t.Fatalf("custom kind = %v called=%v", err, called)
	}
}

func TestKindValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind  string
		props map[string]string
		want  string
	}{
		{"log", map[string]string{"level": "loud"}, "level"},
		{"prune_history", nil, "retention property is required"},
		{"prune_history", map[string]string{"retention": "-1h"}, "positive"},
		{"command", nil, "command property is required"},
		{"command", map[string]string{"command": "true", "timeout": "soon"}, "timeout"},
		{"command", map[string]string{"command": "true", "shell": "maybe"}, "shell"},
		{"systemd_unit", nil, "unit property is required"},
		{"systemd_unit", map[string]string{"unit": "a.service", "action": "reload"}, "action"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.kind+"/"+tt.want, func(t *testing.T) {
			t.Parallel()
			_, err := NewKinds().Build(tt.kind, KindEnv{Properties: tt.props})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Build = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLogKindCounts(t *testing.T) {
	t.Parallel()

	r := build(t, "log", KindEnv{Properties: map[string]string{"message": "tick"}})
	ec := execctx.New(logx.Nop(), "hb", nil)
	for i := 0; i < 3; i++ {
		if err := r.Run(context.Background(), ec); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := ec.Property("count"); v != "3" {
		t.Fatalf("count = %q", v)
	}
}

func TestPruneKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Now()
	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 10 * time.Minute} {
		if err := store.AppendRun(ctx, storage.RunRecord{JobName: "x", StartedAt: now.Add(-age)}); err != nil {
			t.Fatal(err)
		}
	}

	r := build(t, "prune_history", KindEnv{Store: store, Retention: 24 * time.Hour})
	ec := execctx.New(logx.Nop(), "prune", map[string]string{"retention": "1h"})
	if err := r.Run(ctx, ec); err != nil {
		t.Fatal(err)
	}
	runs, _ := store.RecentRuns(ctx, "x", 10)
	if len(runs) != 1 {
		t.Fatalf("runs left = %d", len(runs))
	}
	if v, _ := ec.Property("last_pruned"); v != "2" {
		t.Fatalf("last_pruned = %q", v)
	}

	// Without a store the job is a no-op.
	r = build(t, "prune_history", KindEnv{Retention: time.Hour})
	if err := r.Run(ctx, execctx.New(logx.Nop(), "prune", nil)); err != nil {
		t.Fatal(err)
	}
}

func TestCommandKind(t *testing.T) {
	t.Parallel()
	needShell(t)
	ctx := context.Background()

	dir := t.TempDir()
	r := build(t, "command", KindEnv{Properties: map[string]string{
		"command": "touch", "args": "made", "dir": dir,
	}})
	ec := execctx.New(logx.Nop(), "cmd", nil)
	if err := r.Run(ctx, ec); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "made")); err != nil {
		t.Fatalf("command did not run in dir: %v", err)
	}
	if v, _ := ec.Property("last_exit"); v != "0" {
		t.Fatalf("last_exit = %q", v)
	}

	r = build(t, "command", KindEnv{Properties: map[string]string{
		"command": "echo boom >&2; exit 3", "shell": "true",
	}})
	err := r.Run(ctx, ec)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failing command = %v", err)
	}
	if v, _ := ec.Property("last_exit"); v != "3" {
		t.Fatalf("last_exit = %q", v)
	}

	r = build(t, "command", KindEnv{Properties: map[string]string{
		"command": `echo "$1-$2" > out`, "shell": "true", "args": "a b", "dir": dir,
	}})
	if err := r.Run(ctx, ec); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "out")); err != nil || string(b) != "a-b\n" {
		t.Fatalf("shell args = %q %v", b, err)
	}

	r = build(t, "command", KindEnv{Properties: map[string]string{
		"command": "sleep 5", "shell": "true", "timeout": "100ms",
	}})
	if err := r.Run(ctx, ec); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("slow command = %v", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Parallel()

	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	if b.String() != "defg" || b.n != 7 {
		t.Fatalf("tail = %q n=%d", b.String(), b.n)
	}
}

const fakeSystemctl = `#!/bin/sh
dir="$(dirname "$0")"
case "$1" in
is-active)
	if [ -f "$dir/up" ]; then echo active; exit 0; fi
	echo inactive; exit 3 ;;
start) touch "$dir/up"; exit 0 ;;
esac
exit 1
`

func TestSystemdUnitKindRecovers(t *testing.T) {
	t.Parallel()
	needShell(t)

	dir := t.TempDir()
	bin := filepath.Join(dir, "systemctl")
	if err := os.WriteFile(bin, []byte(fakeSystemctl), 0o755); err != nil {
		t.Fatal(err)
	}
	r := build(t, "systemd_unit", KindEnv{Properties: map[string]string{
		"unit": "web.service", "systemctl": bin,
	}})
	ec := execctx.New(logx.Nop(), "watch-web", nil)
	for i := 0; i < 3; i++ {
		if err := r.Run(context.Background(), ec); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := ec.Property("recoveries"); v != "1" {
		t.Fatalf("recoveries = %q", v)
	}

	r = build(t, "systemd_unit", KindEnv{Properties: map[string]string{
		"unit": "web.service", "systemctl": bin, "action": "restart",
	}})
	if err := r.Run(context.Background(), ec); err == nil {
		t.Fatal("unsupported verb in fake systemctl must fail")
	}
}
