package timer

import (
	"container/heap"
	"context"
	"runtime/debug"
	"sync"
	"time"

	"timerjob/pkg/logx"
)

// Queue is a min-heap delay queue with a single worker. Create it with
// NewQueue and drive it with Run (usually under a supervisor) or Start.
type Queue struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	h       entryHeap
	seq     uint64
	stopped bool
	running bool
	wake    chan struct{}
}

type QueueOption func(*Queue)

func WithQueueLogger(log logx.Logger) QueueOption { return func(q *Queue) { q.log = log } }

// WithQueueClock replaces time.Now. The worker still sleeps in real time.
func WithQueueClock(now func() time.Time) QueueOption { return func(q *Queue) { q.now = now } }

func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Now() time.Time { return q.now() }

func (q *Queue) Once(at time.Time, fn Func) (Registration, error) {
	if err := check(fn, 0, false); err != nil {
		return nil, err
	}
	return q.push(&entry{at: at, fn: fn})
}

func (q *Queue) Every(first time.Time, period time.Duration, fn Func) (Registration, error) {
	if err := check(fn, period, true); err != nil {
		return nil, err
	}
	return q.push(&entry{at: first, period: period, fn: fn})
}

func (q *Queue) push(e *entry) (Registration, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	e.q = q
	q.seq++
	e.seq = q.seq
	heap.Push(&q.h, e)
	q.mu.Unlock()
	q.signal()
	return e, nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start runs the worker in its own goroutine until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	go func() { _ = q.Run(ctx) }()
}

// Run drains the queue on the calling goroutine. It returns nil when ctx is
// cancelled or the queue is stopped.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil
		}
		var due *entry
		wait := time.Duration(-1)
		if len(q.h) > 0 {
			if d := q.h[0].at.Sub(q.now()); d <= 0 {
				due = heap.Pop(&q.h).(*entry)
				due.running = true
			} else {
				wait = d
			}
		}
		q.mu.Unlock()

		if due != nil {
			q.fire(ctx, due)
			continue
		}

		var tc <-chan time.Time
		if wait >= 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			tc = timer.C
		}
		select {
		case <-ctx.Done():
			q.Stop()
			return nil
		case <-q.wake:
		case <-tc:
		}
	}
}

func (q *Queue) fire(ctx context.Context, e *entry) {
	started := q.now()
	q.call(ctx, e)

	q.mu.Lock()
	defer q.mu.Unlock()
	e.running = false
	if e.period <= 0 || e.cancelled || q.stopped {
		e.cancelled = true
		return
	}
	e.at = started.Add(e.period)
	q.seq++
	e.seq = q.seq
	heap.Push(&q.h, e)
}

func (q *Queue) call(ctx context.Context, e *entry) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("timer callback panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	e.fn(ctx)
}

// Stop discards pending entries and rejects new registrations. A callback
// that is already running completes.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	for _, e := range q.h {
		e.cancelled = true
		e.index = -1
	}
	q.h = nil
	q.mu.Unlock()
	q.signal()
}

// ---- heap ----

type entry struct {
	q         *Queue
	at        time.Time
	period    time.Duration
	fn        Func
	seq       uint64
	index     int
	running   bool
	cancelled bool
}

func (e *entry) Cancel() bool {
	q := e.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.cancelled = true
	if e.index >= 0 && !e.running {
		heap.Remove(&q.h, e.index)
	}
	return true
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
