package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu     sync.RWMutex
	props  map[string]map[string]string
	runs   []RunRecord
	closed bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{props: map[string]map[string]string{}}
}

func (s *memoryStore) GetProperty(_ context.Context, ns, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.props[ns][key]
	return v, ok, nil
}

func (s *memoryStore) SetProperty(_ context.Context, ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	setProp(s.props, ns, key, value)
	return nil
}

func (s *memoryStore) Properties(_ context.Context, ns string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return copyProps(s.props[ns]), nil
}

func (s *memoryStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *memoryStore) RecentRuns(_ context.Context, jobName string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return recent(s.runs, jobName, limit), nil
}

func (s *memoryStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	s.runs, n = pruneBefore(s.runs, before)
	return n, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ---- helpers shared with the file driver ----

func setProp(m map[string]map[string]string, ns, key, value string) {
	inner := m[ns]
	if inner == nil {
		inner = map[string]string{}
		m[ns] = inner
	}
	inner[key] = value
}

func copyProps(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func recent(runs []RunRecord, jobName string, limit int) []RunRecord {
	out := make([]RunRecord, 0, 16)
	for i := len(runs) - 1; i >= 0; i-- {
		if jobName != "" && runs[i].JobName != jobName {
			continue
		}
		out = append(out, runs[i])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func pruneBefore(runs []RunRecord, before time.Time) ([]RunRecord, int) {
	kept := runs[:0]
	for _, r := range runs {
		if r.StartedAt.Before(before) {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(runs) - len(kept)
	for i := len(kept); i < len(runs); i++ {
		runs[i] = RunRecord{}
	}
	return kept, removed
}
