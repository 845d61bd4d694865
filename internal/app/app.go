package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cronguard/internal/config"
	"cronguard/internal/dispatch"
	"cronguard/internal/eventbus"
	"cronguard/internal/guard"
	"cronguard/internal/identity"
	"cronguard/internal/metrics"
	"cronguard/internal/ops"
	"cronguard/internal/registry"
	rtsup "cronguard/internal/runtime/supervisor"
	"cronguard/internal/scanner"
	"cronguard/internal/store"
	"cronguard/internal/tasks"
	"cronguard/internal/trigger"
	logx "cronguard/pkg/logx"
	"cronguard/pkg/systemd"
)

// App owns every long-lived component of one node.
type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	identity string
	now      func() time.Time

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	reg     *registry.Registry
	store   store.Store
	disp    *dispatch.Dispatcher
	scan    *scanner.Scanner
	trig    *trigger.Trigger
	metrics *metrics.Collector
	ops     *ops.Service

	sup       *rtsup.Supervisor
	startedAt time.Time
	ready     atomic.Bool
	stopped   atomic.Bool

	// options
	extra    []registry.Entry
	injected store.Store
	clock    func() time.Time
}

type Option func(*App)

// WithTasks registers code-defined callables. They are registered before the
// configured tasks, so they win on a name clash.
func WithTasks(entries ...registry.Entry) Option {
	return func(a *App) { a.extra = append(a.extra, entries...) }
}

// WithStore replaces the configured backend. The app still closes it on Stop.
func WithStore(st store.Store) Option { return func(a *App) { a.injected = st } }

// WithClock replaces time.Now. The result is converted to node.timezone.
func WithClock(now func() time.Time) Option { return func(a *App) { a.clock = now } }

// New loads the config file and builds the app.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	a, err := NewFromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	return a, nil
}

// NewFromConfig builds the app from an already loaded config. Hot reload is
// not available this way.
func NewFromConfig(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, clock: time.Now}
	for _, o := range opts {
		o(a)
	}

	logSvc, log := logx.New(cfg.Logging.Logx())
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clock := a.clock
	a.now = func() time.Time { return clock().In(loc) }

	opsAddr := ""
	if cfg.Ops.Enabled {
		opsAddr = cfg.Ops.ListenAddr()
	}
	a.identity = identity.Resolve(cfg.Node.ID, opsAddr)

	entries, err := tasks.Entries(cfg.Tasks, log.With(logx.String("comp", "task")))
	if err != nil {
		return nil, err
	}
	a.reg, err = registry.New(log, append(append([]registry.Entry(nil), a.extra...), entries...)...)
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.New()
	a.metrics = metrics.New()
	a.metrics.WatchBus(a.bus)
	if cfg.Ops.Enabled {
		a.ops = ops.New(mapOpsConfig(cfg), log,
			ops.WithMetrics(a.metrics.Handler()),
			ops.WithStatus(func() any { return a.Status() }),
		)
	}
	return a, nil
}

func (a *App) Identity() string             { return a.identity }
func (a *App) Registry() *registry.Registry { return a.reg }
func (a *App) Metrics() *metrics.Collector  { return a.metrics }
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.disp
}

// Ready reports whether startup (including backfill) finished.
func (a *App) Ready() bool { return a.ready.Load() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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

// Start brings the node up: store, dispatch, ops, backfill, rescans, trigger,
// then readiness. A failure before readiness unwinds what was started.
func (a *App) Start(ctx context.Context) (err error) {
	a.startedAt = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	defer func() {
		if err != nil {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = a.Stop(stopCtx, StopFatalError)
			cancel()
		}
	}()

	st := a.injected
	if st == nil {
		st, err = store.Open(ctx, StoreConfig(a.cfg), a.log)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
	}
	a.store = st

	ttl, heartbeat, err := a.cfg.LeaseTimings()
	if err != nil {
		return err
	}
	gopt := guard.Options{
		Identity:  a.identity,
		LeaseTTL:  ttl,
		Heartbeat: heartbeat,
		Log:       a.log.With(logx.String("comp", "guard")),
		Bus:       a.bus,
	}
	a.disp = dispatch.New(mapDispatchConfig(a.cfg), a.reg, func(t registry.Task) guard.Guard {
		return guard.For(st, t, gopt)
	}, a.log, a.bus)
	// executions drain on Stop instead of dying with the app context
	a.disp.Start(context.WithoutCancel(a.sup.Context()))
	a.metrics.WatchDispatch(a.disp.Snapshot)
	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.scan = scanner.New(mapScanConfig(a.cfg), a.reg, st, a.disp, a.log,
		scanner.WithClock(a.now), scanner.WithBus(a.bus))
	loc, _ := a.cfg.Location()
	a.trig = trigger.New(a.reg, a.disp, a.log,
		trigger.WithLocation(loc), trigger.WithClock(a.now), trigger.WithBus(a.bus))

	a.log.Info("backfill started", logx.String("identity", a.identity), logx.Int("tasks", a.reg.Len()))
	a.scan.Backfill(a.sup.Context())
	if err := ctx.Err(); err != nil {
		return err
	}
	a.scan.StartRescans(a.sup.Context())
	a.trig.Start(a.sup.Context())

	a.ready.Store(true)
	if a.ops != nil {
		a.ops.SetReady(true)
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
		return nil
	})

	if a.cfgm != nil {
		a.startReload()
	}
	a.log.Info("app started",
		logx.String("identity", a.identity),
		logx.String("store", storeDriver(a.cfg)),
		logx.Strings("enabled", a.reg.Enabled()),
	)
	return nil
}

// Stop tears down in reverse start order. Each step gets its own upper bound
// so one component cannot stall the others.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.ready.Store(false)
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}
	if a.ops != nil {
		a.ops.SetReady(false)
	}

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		if err := fn(stepCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	step("trigger", 2*time.Second, func(c context.Context) error {
		if a.trig != nil {
			a.trig.Stop(c)
		}
		return nil
	})
	step("scanner", 2*time.Second, func(c context.Context) error {
		if a.scan == nil {
			return nil
		}
		return ignoreCanceled(a.scan.Stop(c))
	})
	step("dispatch", a.cfg.Dispatch.ShutdownWait(), func(c context.Context) error {
		if a.disp == nil {
			return nil
		}
		return a.disp.Stop(c)
	})
	step("ops", 2*time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		return ignoreCanceled(a.sup.Wait(c))
	})
	step("store", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func storeDriver(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Store.Driver); d != "" {
		return d
	}
	return "memory"
}
