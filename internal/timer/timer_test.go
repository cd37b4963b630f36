package timer

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"timerjob/pkg/logx"
)

var epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestManualOrderingAndPeriod(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var got []string
	record := func(s string) Func { return func(context.Context) { got = append(got, s) } }

	if _, err := m.Once(epoch.Add(3*time.Minute), record("once@3")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Every(epoch.Add(time.Minute), 2*time.Minute, record("every")); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Once(epoch.Add(3*time.Minute), record("once@3b")); err != nil {
		t.Fatal(err)
	}

	if n := m.Advance(5 * time.Minute); n != 5 {
		t.Fatalf("fired %d, want 5 (%v)", n, got)
	}
	// every fires at 1, 3, 5; the periodic re-arm at 3 is sequenced after the
	// one-shots registered for 3.
	want := []string{"every", "once@3", "once@3b", "every", "every"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if !m.Now().Equal(epoch.Add(5 * time.Minute)) {
		t.Fatalf("Now() = %s", m.Now())
	}
	if m.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", m.Pending())
	}
}

func TestManualCancelAndChain(t *testing.T) {
	t.Parallel()

	m := NewManual(epoch)
	var fired int
	var step Func
	step = func(context.Context) {
		fired++
		if _, err := m.Once(m.Now().Add(time.Minute), step); err != nil {
			t.Error(err)
		}
	}
	reg, err := m.Once(epoch.Add(time.Minute), step)
	if err != nil {
		t.Fatal(err)
	}
	m.Advance(3 * time.Minute)
	if fired != 3 {
		t.Fatalf("chain fired %d times, want 3", fired)
	}
	if reg.Cancel() {
		t.Fatal("a consumed one-shot must not report live")
	}

	per, _ := m.Every(m.Now().Add(time.Hour), time.Hour, func(context.Context) { t.Error("cancelled entry fired") })
	if !per.Cancel() {
		t.Fatal("first Cancel should report live")
	}
	if per.Cancel() {
		t.Fatal("second Cancel should report not live")
	}
}

func TestFacilityRejectsBadInput(t *testing.T) {
	t.Parallel()

	facilities := map[string]Facility{
		"manual": NewManual(epoch),
		"queue":  NewQueue(),
		"cron":   NewCron(logx.Nop(), time.UTC),
	}
	for name, f := range facilities {
		if _, err := f.Every(epoch, 0, func(context.Context) {}); !errors.Is(err, ErrBadPeriod) {
			t.Fatalf("%s: Every(period=0) = %v, want ErrBadPeriod", name, err)
		}
		if _, err := f.Once(epoch, nil); !errors.Is(err, ErrNilFunc) {
			t.Fatalf("%s: Once(nil) = %v, want ErrNilFunc", name, err)
		}
	}
}

func TestQueueFiresInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(WithQueueLogger(logx.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	now := time.Now()
	for i, d := range []time.Duration{30, 10, 20} {
		i := i
		_, err := q.Once(now.Add(d*time.Millisecond), func(context.Context) {
			mu.Lock()
			got = append(got, i)
			if len(got) == 3 {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not fire")
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, []int{1, 2, 0}) {
		t.Fatalf("order = %v", got)
	}
}

func TestQueuePeriodicCancelAndPanic(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// A panicking callback must not kill the worker.
	if _, err := q.Once(time.Now(), func(context.Context) { panic("boom") }); err != nil {
		t.Fatal(err)
	}

	var n atomic.Int32
	reached := make(chan struct{})
	var reg Registration
	reg, err := q.Every(time.Now(), 5*time.Millisecond, func(context.Context) {
		if n.Add(1) == 3 {
			close(reached)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatalf("periodic fired %d times", n.Load())
	}
	if !reg.Cancel() {
		t.Fatal("Cancel should report live")
	}
	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	if n.Load() > after+1 {
		t.Fatalf("periodic kept firing after cancel: %d -> %d", after, n.Load())
	}
}

func TestQueueStop(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	reg, err := q.Once(time.Now().Add(time.Hour), func(context.Context) {})
	if err != nil {
		t.Fatal(err)
	}
	q.Stop()
	if q.Len() != 0 {
		t.Fatal("Stop must discard pending entries")
	}
	if reg.Cancel() {
		t.Fatal("entries discarded by Stop are not live")
	}
	if _, err := q.Once(time.Now(), func(context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Once after Stop = %v, want ErrStopped", err)
	}
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run on stopped queue = %v", err)
	}
}

func TestCronFacility(t *testing.T) {
	t.Parallel()

	f := NewCron(logx.Nop(), time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	once := make(chan struct{}, 2)
	if _, err := f.Once(f.Now().Add(20*time.Millisecond), func(context.Context) { once <- struct{}{} }); err != nil {
		t.Fatal(err)
	}

	var n atomic.Int32
	reg, err := f.Every(f.Now().Add(10*time.Millisecond), 10*time.Millisecond, func(context.Context) { n.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-once:
	case <-time.After(2 * time.Second):
		t.Fatal("one-shot did not fire")
	}
	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n.Load() < 2 {
		t.Fatalf("periodic fired %d times, want >= 2", n.Load())
	}
	if !reg.Cancel() {
		t.Fatal("Cancel should report live")
	}

	time.Sleep(40 * time.Millisecond)
	select {
	case <-once:
		t.Fatal("one-shot fired twice")
	default:
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := f.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := f.Once(f.Now(), func(context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Once after Stop = %v, want ErrStopped", err)
	}
}
