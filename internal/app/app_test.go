package app

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"timerjob/internal/config"
	"timerjob/internal/eventbus"
	"timerjob/internal/timer"
)

const appYAML = `
logging: { level: error, console: true }
scheduler: { timezone: UTC, initial_delay_min: 30s, initial_delay_max: 30s }
storage: { driver: memory }
jobs:
  - name: heartbeat
    kind: log
    schedule: EVERY 1 MIN
  - name: paused
    kind: log
    schedule: EVERY 1 MIN
    suspended: true
  - name: off
    kind: log
    schedule: NONE
`

var t0 = time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)

// Tests that build an App are not parallel: logx.NewService sets zerolog
// package globals.
func newTestApp(t *testing.T, yaml string) (*App, *timer.Manual) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timerjob.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	m := timer.NewManual(t0)
	a, err := New(path, WithFacility(m), WithRand(rand.New(rand.NewSource(1))))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = a.Stop(stopCtx, StopAppStop)
	})
	return a, m
}

func decode(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Decode("timerjob.yaml", []byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestAppRunsConfiguredJobs(t *testing.T) {
	a, m := newTestApp(t, appYAML)
	ctx := context.Background()

	if got := strings.Join(a.JobNames(), ","); got != "heartbeat,off,paused" {
		t.Fatalf("jobs = %s", got)
	}
	if m.Pending() != 2 {
		t.Fatalf("pending = %d, want 2 (disabled job registers nothing)", m.Pending())
	}

	// Firings at +30s, +1m30s and +2m30s.
	m.Advance(3 * time.Minute)

	hb, _ := a.Job("heartbeat")
	if s := hb.Snapshot(); s.Runs != 3 || s.Failures != 0 {
		t.Fatalf("heartbeat = %+v", s)
	}
	paused, _ := a.Job("paused")
	if s := paused.Snapshot(); s.Runs != 0 || s.Skipped != 3 || s.State != "suspended" {
		t.Fatalf("paused = %+v", s)
	}

	runs, err := a.Store().RecentRuns(ctx, "heartbeat", 10)
	if err != nil || len(runs) != 3 {
		t.Fatalf("recorded runs = %d %v", len(runs), err)
	}
	if v, ok, _ := a.Store().GetProperty(ctx, "heartbeat", "count"); !ok || v != "3" {
		t.Fatalf("persisted count = %q %v", v, ok)
	}

	snap := a.Snapshot()
	if snap.Timezone != "UTC" || len(snap.Jobs) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	for _, ji := range snap.Jobs {
		if ji.Name == "heartbeat" && !ji.Next.Equal(t0.Add(3*time.Minute+30*time.Second)) {
			t.Fatalf("heartbeat next = %s", ji.Next)
		}
	}
}

func TestAppReconcilesOnReload(t *testing.T) {
	a, m := newTestApp(t, appYAML)
	ctx := context.Background()

	events, unsub := a.Bus().Subscribe(4, eventbus.ConfigReloaded)
	defer unsub()

	m.Advance(3 * time.Minute)
	oldHB, _ := a.Job("heartbeat")
	oldOff, _ := a.Job("off")

	a.applyConfig(decode(t, `
logging: { level: error, console: true }
scheduler: { timezone: UTC, initial_delay_min: 30s, initial_delay_max: 30s }
storage: { driver: memory }
jobs:
  - name: heartbeat
    kind: log
    schedule: EVERY 2 MIN
  - name: off
    kind: log
    schedule: NONE
  - name: fresh
    kind: log
    schedule: EVERY 1 MIN
`))

	select {
	case e := <-events:
		if secs, _ := e.Data.([]string); strings.Join(secs, ",") != "jobs" {
			t.Fatalf("reload event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no config reloaded event")
	}

	if got := strings.Join(a.JobNames(), ","); got != "fresh,heartbeat,off" {
		t.Fatalf("jobs = %s", got)
	}
	if !oldHB.IsCancelled() {
		t.Fatal("changed job must be cancelled")
	}
	if cur, _ := a.Job("off"); cur != oldOff {
		t.Fatal("unchanged job must be kept")
	}

	// New heartbeat fires at 3m30s, 5m30s, 7m30s; fresh every minute from 3m30s.
	m.Advance(5 * time.Minute)
	hb, _ := a.Job("heartbeat")
	fresh, _ := a.Job("fresh")
	if hb.Snapshot().Runs != 3 || fresh.Snapshot().Runs != 5 {
		t.Fatalf("runs heartbeat=%d fresh=%d", hb.Snapshot().Runs, fresh.Snapshot().Runs)
	}
	if oldHB.Snapshot().Runs != 3 {
		t.Fatalf("cancelled job kept running: %d", oldHB.Snapshot().Runs)
	}
	// The counter survives the rebuild because it lives in the store.
	if v, _, _ := a.Store().GetProperty(ctx, "heartbeat", "count"); v != "6" {
		t.Fatalf("count = %q", v)
	}

	// A scheduler change rebuilds every job.
	off, _ := a.Job("off")
	next := decode(t, `
logging: { level: error, console: true }
scheduler: { timezone: Europe/Berlin, initial_delay_min: 30s, initial_delay_max: 30s }
jobs:
  - name: off
    kind: log
    schedule: NONE
`)
	a.applyConfig(next)
	if cur, _ := a.Job("off"); cur == off {
		t.Fatal("scheduler change must rebuild jobs")
	}
	if a.Snapshot().Timezone != "Europe/Berlin" {
		t.Fatalf("timezone = %s", a.Snapshot().Timezone)
	}
}

func TestAppRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timerjob.yaml")
	bad := "logging: { level: error }\njobs: [ { name: a, kind: teleport, schedule: EVERY 1 MIN } ]\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path, WithFacility(timer.NewManual(t0))); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("New = %v", err)
	}

	a, _ := newTestApp(t, appYAML)
	cfg := decode(t, bad)
	if err := a.validateKinds(cfg); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("reload validator = %v", err)
	}
}

func TestCheckPrintsPlan(t *testing.T) {
	t.Parallel()

	cfg := decode(t, `
scheduler: { timezone: UTC, initial_delay_min: 30s, initial_delay_max: 30s }
jobs:
  - name: nightly
    kind: prune_history
    schedule: "CRON 30 3 * * *"
    properties: { retention: 168h }
  - name: heartbeat
    kind: log
    schedule: EVERY 5 MIN
    suspended: true
  - name: off
    kind: log
    schedule: NONE
`)
	var buf bytes.Buffer
	if err := Check(&buf, cfg, nil, t0, 2); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"2024-03-05 03:30 UTC, 2024-03-06 03:30 UTC",
		"2024-03-04 10:00 UTC, 2024-03-04 10:05 UTC",
		"(suspended)",
		"timezone: UTC",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}

	cfg.Jobs[0].Kind = "nope"
	if err := Check(&buf, cfg, nil, t0, 2); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Check = %v", err)
	}
}
