package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a driver. An empty Driver or "none"
// disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means the driver default
}

// RunRecord is one executed firing.
type RunRecord struct {
	JobID     string        `json:"job_id"`
	JobName   string        `json:"job_name"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Store is the persistence API used by execution contexts and the run recorder.
type Store interface {
	GetProperty(ctx context.Context, ns, key string) (value string, ok bool, err error)
	SetProperty(ctx context.Context, ns, key, value string) error
	Properties(ctx context.Context, ns string) (map[string]string, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records, newest first. An empty job
	// name selects every job.
	RecentRuns(ctx context.Context, jobName string, limit int) ([]RunRecord, error)
	// PruneRuns deletes records started before the cutoff and reports how many.
	PruneRuns(ctx context.Context, before time.Time) (int, error)

	Close() error
}
