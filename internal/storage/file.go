package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"timerjob/pkg/logx"
)

// fileStore keeps everything in memory and persists it as:
//   - <prefix>.runs.jsonl           (append-only, rewritten by PruneRuns)
//   - <prefix>.props.snapshot.json  (periodic snapshot)
//   - <prefix>.props.journal.jsonl  (append-only journal since the snapshot)
//
// The property journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	runsPath string
	runsFile *os.File
	runs     []RunRecord

	snapshotPath string
	journalFile  *os.File
	props        map[string]map[string]string
	writes       int
}

const compactEvery = 1000

type propRecord struct {
	NS    string `json:"ns"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		runsPath:     prefix + ".runs.jsonl",
		snapshotPath: prefix + ".props.snapshot.json",
		props:        map[string]map[string]string{},
	}
	journalPath := prefix + ".props.journal.jsonl"

	if err := loadRuns(s.runsPath, &s.runs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run history unreadable; starting empty", logx.String("path", s.runsPath), logx.Err(err))
	}
	if err := loadSnapshot(s.snapshotPath, s.props); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("property snapshot unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, s.props); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("property journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}
	s.runsFile, s.journalFile = rf, jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	// Leave a compact snapshot behind so the next open replays nothing.
	errCompact := s.compactLocked()
	err1 := s.runsFile.Close()
	err2 := s.journalFile.Close()
	s.runsFile, s.journalFile = nil, nil
	return errors.Join(errCompact, err1, err2)
}

func (s *fileStore) GetProperty(_ context.Context, ns, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return "", false, ErrClosed
	}
	v, ok := s.props[ns][key]
	return v, ok, nil
}

func (s *fileStore) SetProperty(_ context.Context, ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(propRecord{NS: ns, Key: key, Value: value}); err != nil {
		return err
	}
	setProp(s.props, ns, key, value)

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("property compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Properties(_ context.Context, ns string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return copyProps(s.props[ns]), nil
}

func (s *fileStore) AppendRun(_ context.Context, r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.runsFile).Encode(r); err != nil {
		return err
	}
	s.runs = append(s.runs, r)
	return nil
}

func (s *fileStore) RecentRuns(_ context.Context, jobName string, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil, ErrClosed
	}
	return recent(s.runs, jobName, limit), nil
}

func (s *fileStore) PruneRuns(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return 0, ErrClosed
	}
	kept, removed := pruneBefore(s.runs, before)
	s.runs = kept
	if removed == 0 {
		return 0, nil
	}

	tmp := s.runsPath + ".tmp"
	if err := writeJSONLines(tmp, kept); err != nil {
		return 0, err
	}
	_ = s.runsFile.Close()
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return 0, err
	}
	rf, err := os.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.runsFile = nil
		return 0, err
	}
	s.runsFile = rf
	return removed, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.props); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func writeJSONLines(path string, runs []RunRecord) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func loadRuns(path string, out *[]RunRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		*out = append(*out, r)
	}
	return sc.Err()
}

func loadSnapshot(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]map[string]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for ns, kv := range m {
		for k, v := range kv {
			setProp(out, ns, k, v)
		}
	}
	return nil
}

func replayJournal(path string, out map[string]map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r propRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		setProp(out, r.NS, r.Key, r.Value)
	}
	return sc.Err()
}
