package scheduler

import (
	"sort"
	"time"

	"timerjob/internal/directive"
	"timerjob/internal/job"
)

type Snapshot struct {
	Timezone string    `json:"timezone"`
	Jobs     []JobInfo `json:"jobs"`
}

type JobInfo struct {
	job.Snapshot
	Kind string    `json:"kind"`
	Next time.Time `json:"next,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	entries := make([]*tracked, 0, len(s.entries))
	for _, t := range s.entries {
		entries = append(entries, t)
	}
	s.mu.Unlock()

	out := Snapshot{Timezone: s.loc.String(), Jobs: make([]JobInfo, 0, len(entries))}
	for _, t := range entries {
		info := JobInfo{Snapshot: t.job.Snapshot()}
		if d, ok := t.job.Directive(); ok {
			info.Kind = d.Kind().String()
		}
		if t.job.State() == job.Active {
			if next, ok := t.next(); ok {
				info.Next = next
			}
		}
		out.Jobs = append(out.Jobs, info)
	}
	sort.Slice(out.Jobs, func(a, b int) bool {
		if out.Jobs[a].Name != out.Jobs[b].Name {
			return out.Jobs[a].Name < out.Jobs[b].Name
		}
		return out.Jobs[a].ID < out.Jobs[b].ID
	})
	return out
}

// Preview lists the next n instants at which d would execute, starting
// from the scheduler clock. Interval jobs assume the shortest start delay;
// weekday restrictions are applied.
func (s *Scheduler) Preview(d directive.Directive, n int) ([]time.Time, error) {
	if n <= 0 || !d.Active() {
		return nil, nil
	}
	now := s.now()
	next, chained, err := calendarNext(d)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	if chained {
		at := now
		for len(out) < n {
			if at, err = next(at); err != nil {
				return out, err
			}
			out = append(out, at)
		}
		return out, nil
	}

	var at time.Time
	var period time.Duration
	switch d.Kind() {
	case directive.Interval:
		period, _ = d.Interval()
		at = now.Add(s.delayMin)
	default:
		h, m, _ := d.Clock()
		at, period = nextClock(now, d.Location(), h, m), day
	}
	// A weekday filter leaves at least one firing per week.
	for steps := 0; len(out) < n && steps < n*7+7; steps++ {
		if d.Permits(at) {
			out = append(out, at)
		}
		at = at.Add(period)
	}
	return out, nil
}
