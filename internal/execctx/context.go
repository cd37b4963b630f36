// Package execctx is the environment handed to a job on every run: a logger
// and a string property bag, optionally backed by storage.
package execctx

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"timerjob/internal/storage"
	"timerjob/pkg/logx"
)

// Context is what a job sees while running.
type Context interface {
	Logger() logx.Logger
	JobName() string
	// Property reports ("", false) when the key is absent.
	Property(key string) (string, bool)
	PropertyOr(key, def string) string
	SetProperty(key, value string) error
	Properties() map[string]string
}

// New returns an in-memory context seeded with defaults.
func New(log logx.Logger, jobName string, defaults map[string]string) Context {
	c := &memContext{base: base{log: log.With(logx.String("job", jobName)), name: jobName}, props: map[string]string{}}
	for k, v := range defaults {
		c.props[k] = v
	}
	return c
}

type base struct {
	log  logx.Logger
	name string
}

func (b base) Logger() logx.Logger { return b.log }
func (b base) JobName() string     { return b.name }

type memContext struct {
	base
	mu    sync.RWMutex
	props map[string]string
}

func (c *memContext) Property(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.props[key]
	return v, ok
}

func (c *memContext) PropertyOr(key, def string) string {
	if v, ok := c.Property(key); ok {
		return v
	}
	return def
}

func (c *memContext) SetProperty(key, value string) error {
	c.mu.Lock()
	c.props[key] = value
	c.mu.Unlock()
	return nil
}

func (c *memContext) Properties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.props))
	for k, v := range c.props {
		out[k] = v
	}
	return out
}

// storeTimeout bounds each storage round trip made on behalf of a job.
const storeTimeout = 5 * time.Second

// Persistent returns a context whose properties live in store under the job
// name. Defaults answer for keys the store has never seen; a store error is
// logged and also falls back to the defaults.
func Persistent(log logx.Logger, jobName string, store storage.Store, defaults map[string]string) Context {
	if store == nil {
		return New(log, jobName, defaults)
	}
	d := make(map[string]string, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &storeContext{
		base:     base{log: log.With(logx.String("job", jobName)), name: jobName},
		store:    store,
		defaults: d,
	}
}

type storeContext struct {
	base
	store    storage.Store
	defaults map[string]string
}

func (c *storeContext) Property(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	v, ok, err := c.store.GetProperty(ctx, c.name, key)
	if err != nil {
		c.log.Warn("property read failed", logx.String("key", key), logx.Err(err))
	} else if ok {
		return v, true
	}
	v, ok = c.defaults[key]
	return v, ok
}

func (c *storeContext) PropertyOr(key, def string) string {
	if v, ok := c.Property(key); ok {
		return v
	}
	return def
}

func (c *storeContext) SetProperty(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return c.store.SetProperty(ctx, c.name, key, value)
}

func (c *storeContext) Properties() map[string]string {
	out := make(map[string]string, len(c.defaults))
	for k, v := range c.defaults {
		out[k] = v
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	stored, err := c.store.Properties(ctx, c.name)
	if err != nil {
		c.log.Warn("property listing failed", logx.Err(err))
		return out
	}
	for k, v := range stored {
		out[k] = v
	}
	return out
}

// ---- typed helpers ----

// Duration parses a Go duration property, falling back to def when the key
// is absent or malformed.
func Duration(c Context, key string, def time.Duration) time.Duration {
	v, ok := c.Property(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		c.Logger().Warn("invalid duration property", logx.String("key", key), logx.String("value", v), logx.Err(err))
		return def
	}
	return d
}

// Int parses an integer property, falling back to def when the key is
// absent or malformed.
func Int(c Context, key string, def int) int {
	v, ok := c.Property(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		c.Logger().Warn("invalid integer property", logx.String("key", key), logx.String("value", v), logx.Err(err))
		return def
	}
	return n
}
