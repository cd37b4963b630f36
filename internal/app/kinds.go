package app

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"timerjob/internal/job"
	"timerjob/internal/storage"
	"timerjob/pkg/logx"
)

var ErrUnknownKind = errors.New("unknown job kind")

// KindEnv is what a kind factory sees when a configured job is built.
type KindEnv struct {
	Name       string
	Properties map[string]string
	Store      storage.Store // nil when storage is disabled
	Retention  time.Duration // scheduler.history_retention
	Log        logx.Logger
}

// Kind builds the runner for one configured job. Factories validate static
// properties so a bad job is rejected at load time, not at its first firing.
type Kind func(env KindEnv) (job.Runner, error)

// Kinds maps the `kind` field of a job to its factory.
type Kinds struct {
	mu sync.RWMutex
	m  map[string]Kind
}

// NewKinds returns a registry holding the builtin kinds: log,
// prune_history, command and systemd_unit.
func NewKinds() *Kinds {
	k := &Kinds{m: map[string]Kind{}}
	k.Register("log", newLogKind)
	k.Register("prune_history", newPruneKind)
	k.Register("command", newCommandKind)
	k.Register("systemd_unit", newSystemdKind)
	return k
}

// Register adds or replaces a kind. Names are case-insensitive.
func (k *Kinds) Register(name string, f Kind) {
	k.mu.Lock()
	k.m[normKind(name)] = f
	k.mu.Unlock()
}

func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.m))
	for n := range k.m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (k *Kinds) Build(name string, env KindEnv) (job.Runner, error) {
	k.mu.RLock()
	f, ok := k.m[normKind(name)]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownKind, name, strings.Join(k.Names(), ", "))
	}
	if env.Properties == nil {
		env.Properties = map[string]string{}
	}
	if env.Log.IsZero() {
		env.Log = logx.Nop()
	}
	r, err := f(env)
	if err != nil {
		return nil, fmt.Errorf("kind %s: %w", normKind(name), err)
	}
	return r, nil
}

func normKind(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
