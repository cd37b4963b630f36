package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"timerjob/internal/config"
	"timerjob/internal/eventbus"
	"timerjob/internal/execctx"
	"timerjob/internal/job"
	"timerjob/internal/runtime/supervisor"
	"timerjob/internal/scheduler"
	"timerjob/internal/storage"
	"timerjob/internal/timer"
	"timerjob/pkg/logx"
)

const stopTimeout = 10 * time.Second

// App is the daemon: it loads the config, owns the timer facility and the
// scheduler, and keeps the scheduled jobs in line with the config file.
type App struct {
	cfgm *config.Manager

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	kinds *Kinds
	rng   *rand.Rand

	fac   timer.Facility
	queue *timer.Queue
	cron  *timer.Cron

	sup *supervisor.Supervisor

	mu    sync.Mutex
	cfg   *config.Config
	sched *scheduler.Scheduler
	jobs  map[string]*job.Job
}

type Option func(*App)

// WithFacility replaces the facility named by scheduler.facility. The
// caller drives it; Start and Stop leave it alone.
func WithFacility(f timer.Facility) Option { return func(a *App) { a.fac = f } }

// WithKinds replaces the builtin kind registry.
func WithKinds(k *Kinds) Option { return func(a *App) { a.kinds = k } }

// WithRand seeds interval start jitter.
func WithRand(r *rand.Rand) Option { return func(a *App) { a.rng = r } }

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, root := logx.NewService(cfg.Logging.Logx())
	a := &App{
		cfgm: cfgm,
		root: root,
		log:  root.With(logx.String("comp", "app")),
		logs: logs,
		bus:  eventbus.New(),
		cfg:  cfg,
		jobs: map[string]*job.Job{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.kinds == nil {
		a.kinds = NewKinds()
	}
	if err := a.validateKinds(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}

	sc, err := cfg.StorageOpts()
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	if store != nil {
		a.store = store
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	if a.fac == nil {
		loc, _ := cfg.Scheduler.Location()
		tlog := root.With(logx.String("comp", "timer"))
		switch cfg.Scheduler.FacilityName() {
		case "cron":
			a.cron = timer.NewCron(tlog, loc)
			a.fac = a.cron
		default:
			a.queue = timer.NewQueue(timer.WithQueueLogger(tlog))
			a.fac = a.queue
		}
	}
	a.sched = a.newScheduler(cfg)
	return a, nil
}

func (a *App) newScheduler(cfg *config.Config) *scheduler.Scheduler {
	loc, _ := cfg.Scheduler.Location()
	lo, hi, _ := cfg.Scheduler.InitialDelay()
	opts := []scheduler.Option{
		scheduler.WithLogger(a.root.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
		scheduler.WithLocation(loc),
		scheduler.WithInitialDelay(lo, hi),
	}
	if a.store != nil {
		opts = append(opts, scheduler.WithRecorder(a.store))
	}
	if a.rng != nil {
		opts = append(opts, scheduler.WithRand(a.rng))
	}
	return scheduler.New(a.fac, opts...)
}

func (a *App) Bus() eventbus.Bus { return a.bus }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Job returns the live job for a configured name.
func (a *App) Job(name string) (*job.Job, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	j, ok := a.jobs[name]
	return j, ok
}

// JobNames lists the configured jobs currently held by the app, sorted.
func (a *App) JobNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.jobs))
	for n := range a.jobs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (a *App) Snapshot() scheduler.Snapshot {
	a.mu.Lock()
	s := a.sched
	a.mu.Unlock()
	return s.Snapshot()
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true))

	// transactional config reload: kinds must build before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return a.validateKinds(cfg)
	})

	switch {
	case a.queue != nil:
		a.sup.Go("timer.queue", a.queue.Run)
	case a.cron != nil:
		a.cron.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level to avoid noise for frequent jobs.
				fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
				if je, ok := e.Data.(eventbus.JobEvent); ok {
					fields = append(fields, logx.String("job", je.JobName))
				}
				a.log.Debug("event", fields...)
			}
		}
	})

	if err := a.reconcile(a.Config(), nil, true); err != nil {
		a.log.Warn("some jobs were not scheduled", logx.Err(err))
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(newCfg)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("facility", a.Config().Scheduler.FacilityName()),
		logx.Int("jobs", len(a.JobNames())))
	return nil
}

// Run starts the app, reports readiness to systemd and blocks until ctx is
// done or a supervised loop fails. It then stops the app.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	sdNotify(a.log, daemon.SdNotifyReady)

	g, gctx := errgroup.WithContext(a.sup.Context())
	g.Go(func() error { return watchdog(gctx, a.log) })
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	_ = g.Wait()

	reason := StopContextDone
	fatal := a.sup.Err()
	if fatal != nil {
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return errors.Join(fatal, a.Stop(stopCtx, reason))
}

// validateKinds builds every job's runner once so unknown kinds and bad
// static properties are rejected before a config is committed.
func (a *App) validateKinds(cfg *config.Config) error {
	var errs []error
	for i, jc := range cfg.Jobs {
		_, err := a.kinds.Build(jc.Kind, KindEnv{
			Name:       strings.TrimSpace(jc.Name),
			Properties: jc.Properties,
			Retention:  cfg.Scheduler.Retention(),
			Log:        logx.Nop(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs[%d] (%s): %w", i, jc.Name, err))
		}
	}
	return errors.Join(errs...)
}

// applyConfig is the body of the config.reload loop.
func (a *App) applyConfig(newCfg *config.Config) {
	oldCfg := a.Config()
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range ch.Sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "logging":
			a.logs.Apply(newCfg.Logging.Logx())
		}
	}
	if oldCfg.Scheduler.FacilityName() != newCfg.Scheduler.FacilityName() {
		a.log.Warn("scheduler.facility changed; restart required for changes to take effect")
	}

	all := ch.Rescheduled()
	if all {
		s := a.newScheduler(newCfg)
		a.mu.Lock()
		a.sched = s
		a.mu.Unlock()
	}
	if err := a.reconcile(newCfg, ch.Jobs, all); err != nil {
		a.log.Warn("some jobs were not scheduled", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: ch.Sections})
	a.log.Info("config reloaded", fields...)
}

// reconcile makes the job set match cfg. Jobs named in changed, or every
// job when all is set, are cancelled and rebuilt; removed jobs are
// cancelled; new jobs are scheduled. A job that fails to build or schedule
// is reported and skipped.
func (a *App) reconcile(cfg *config.Config, changed []string, all bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg

	dirty := make(map[string]bool, len(changed))
	for _, n := range changed {
		dirty[n] = true
	}
	want := make(map[string]bool, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		want[strings.TrimSpace(jc.Name)] = true
	}

	for name, j := range a.jobs {
		if want[name] && !all && !dirty[name] {
			continue
		}
		j.Cancel()
		delete(a.jobs, name)
		a.log.Debug("job unscheduled", logx.String("job", name))
	}

	var errs []error
	for i, jc := range cfg.Jobs {
		name := strings.TrimSpace(jc.Name)
		if _, ok := a.jobs[name]; ok {
			continue
		}
		j, err := a.buildJob(cfg, jc)
		if err == nil {
			err = a.sched.Schedule(j)
		}
		if err != nil {
			a.log.Error("job not scheduled", logx.String("job", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("jobs[%d] (%s): %w", i, name, err))
			continue
		}
		a.jobs[name] = j
	}
	return errors.Join(errs...)
}

func (a *App) buildJob(cfg *config.Config, jc config.JobConfig) (*job.Job, error) {
	name := strings.TrimSpace(jc.Name)
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return nil, err
	}
	d, err := jc.Directive(loc)
	if err != nil {
		return nil, err
	}
	log := a.root.With(logx.String("comp", "job"))
	runner, err := a.kinds.Build(jc.Kind, KindEnv{
		Name:       name,
		Properties: jc.Properties,
		Store:      a.store,
		Retention:  cfg.Scheduler.Retention(),
		Log:        log,
	})
	if err != nil {
		return nil, err
	}
	j := job.New(name, runner,
		job.WithDirective(d),
		job.WithContext(execctx.Persistent(log, name, a.store, jc.Properties)),
		job.WithHistorySize(cfg.Scheduler.HistorySize),
	)
	if jc.Suspended {
		j.Suspend()
	}
	return j, nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Supervised goroutines first (queue worker, config watch/reload, event
	// log) so no reload can schedule jobs behind our back.
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("jobs", time.Second, func(context.Context) error {
		a.mu.Lock()
		defer a.mu.Unlock()
		for name, j := range a.jobs {
			j.Cancel()
			delete(a.jobs, name)
		}
		return nil
	})
	step("timer", 3*time.Second, func(c context.Context) error {
		switch {
		case a.cron != nil:
			return a.cron.Stop(c)
		case a.queue != nil:
			a.queue.Stop()
		}
		return nil
	})

	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// stopStep runs one shutdown step with an upper bound so a single
// component cannot stall the whole stop.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
		return context.DeadlineExceeded
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
