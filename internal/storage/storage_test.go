package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"timerjob/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "timerjob.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Logger{})
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)

			if _, ok, err := st.GetProperty(ctx, "cleanup", "retention"); err != nil || ok {
				t.Fatalf("missing property: ok=%v err=%v", ok, err)
			}
			mustSet(t, st, "cleanup", "retention", "30")
			mustSet(t, st, "cleanup", "retention", "7")
			mustSet(t, st, "cleanup", "table", "events")
			mustSet(t, st, "other", "retention", "1")

			v, ok, err := st.GetProperty(ctx, "cleanup", "retention")
			if err != nil || !ok || v != "7" {
				t.Fatalf("GetProperty = %q %v %v, want 7", v, ok, err)
			}
			props, err := st.Properties(ctx, "cleanup")
			if err != nil {
				t.Fatal(err)
			}
			if len(props) != 2 || props["table"] != "events" {
				t.Fatalf("Properties = %v", props)
			}

			base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				name := "a"
				if i%2 == 1 {
					name = "b"
				}
				rec := RunRecord{JobID: "id-" + name, JobName: name, StartedAt: base.Add(time.Duration(i) * time.Hour), Duration: time.Duration(i) * time.Millisecond}
				if i == 4 {
					rec.Error = "boom"
				}
				if err := st.AppendRun(ctx, rec); err != nil {
					t.Fatal(err)
				}
			}

			all, err := st.RecentRuns(ctx, "", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 5 || !all[0].StartedAt.Equal(base.Add(4*time.Hour)) || all[0].Error != "boom" {
				t.Fatalf("RecentRuns(all) = %+v", all)
			}
			if all[0].Duration != 4*time.Millisecond {
				t.Fatalf("duration = %s", all[0].Duration)
			}
			onlyA, err := st.RecentRuns(ctx, "a", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(onlyA) != 2 || onlyA[0].JobName != "a" || !onlyA[1].StartedAt.Equal(base.Add(2*time.Hour)) {
				t.Fatalf("RecentRuns(a, 2) = %+v", onlyA)
			}

			n, err := st.PruneRuns(ctx, base.Add(2*time.Hour))
			if err != nil || n != 2 {
				t.Fatalf("PruneRuns = %d, %v; want 2", n, err)
			}
			left, _ := st.RecentRuns(ctx, "", 0)
			if len(left) != 3 {
				t.Fatalf("%d runs left, want 3", len(left))
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "timerjob.db")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, st, "job", "k", "v1")
	mustSet(t, st, "job", "k", "v2")
	if err := st.AppendRun(ctx, RunRecord{JobName: "job", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := st.GetProperty(ctx, "job", "k"); err != ErrClosed {
		t.Fatalf("use after close = %v, want ErrClosed", err)
	}

	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()
	v, ok, err := st2.GetProperty(ctx, "job", "k")
	if err != nil || !ok || v != "v2" {
		t.Fatalf("after reopen GetProperty = %q %v %v", v, ok, err)
	}
	runs, _ := st2.RecentRuns(ctx, "job", 10)
	if len(runs) != 1 {
		t.Fatalf("after reopen %d runs, want 1", len(runs))
	}
}

func mustSet(t *testing.T, st Store, ns, k, v string) {
	t.Helper()
	if err := st.SetProperty(context.Background(), ns, k, v); err != nil {
		t.Fatalf("SetProperty(%s, %s): %v", ns, k, err)
	}
}
