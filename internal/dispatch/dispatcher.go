package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"cronguard/internal/eventbus"
	"cronguard/internal/guard"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	rtsup "cronguard/internal/runtime/supervisor"
	logx "cronguard/pkg/logx"
)

const (
	DefaultWorkers     = 10
	DefaultQueueSize   = 256
	DefaultUnboundIdle = time.Minute
)

type Config struct {
	Workers     int
	QueueSize   int
	UnboundIdle time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.UnboundIdle <= 0 {
		c.UnboundIdle = DefaultUnboundIdle
	}
	return c
}

// GuardFactory builds the guard for one registered task.
type GuardFactory func(task registry.Task) guard.Guard

// Dispatcher de-duplicates submitted windows within this process and hands
// them to the matching pool. A window is in flight from a successful Submit
// until its guard returns; the goroutine that inserted the marker removes it.
type Dispatcher struct {
	cfg    Config
	reg    *registry.Registry
	guards map[string]guard.Guard
	log    logx.Logger
	bus    eventbus.Bus

	bound   *boundedPool
	elastic *elasticPool
	sup     *rtsup.Supervisor

	mu         sync.Mutex
	windows    map[job.Key]struct{}
	singletons map[string]job.Window
	started    bool
	stopped    bool

	submitted atomic.Uint64
	deduped   atomic.Uint64
	rejected  atomic.Uint64
	unknown   atomic.Uint64
	disabled  atomic.Uint64
}

func New(cfg Config, reg *registry.Registry, newGuard GuardFactory, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	log = log.With(logx.String("comp", "dispatch"))

	guards := make(map[string]guard.Guard, reg.Len())
	for _, name := range reg.Names() {
		t, _ := reg.Lookup(name)
		guards[name] = newGuard(t)
	}
	return &Dispatcher{
		cfg:        cfg,
		reg:        reg,
		guards:     guards,
		log:        log,
		bus:        bus,
		bound:      newBoundedPool(cfg.Workers, cfg.QueueSize),
		elastic:    newElasticPool(cfg.UnboundIdle, log),
		windows:    map[job.Key]struct{}{},
		singletons: map[string]job.Window{},
	}
}

// Start launches the worker pools. Executions run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	d.bound.start(d.sup)
	d.elastic.start(d.sup)
	d.log.Info("dispatch started", logx.Int("workers", d.cfg.Workers), logx.Int("queue", d.cfg.QueueSize), logx.Duration("unbound_idle", d.cfg.UnboundIdle))
}

// Supervisor exposes worker goroutine stats for /status.
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// SubmitAll submits every window and returns how many were accepted.
func (d *Dispatcher) SubmitAll(ws []job.Window) int {
	n := 0
	for _, w := range ws {
		if d.Submit(w) {
			n++
		}
	}
	return n
}

// Submit reports whether w was accepted for execution. It never blocks: a full
// queue rejects the window. Rejections are logged and published; they never
// surface as errors.
func (d *Dispatcher) Submit(w job.Window) bool { return d.submit(nil, w) }

// SubmitWait is Submit, except that a window-bound submission waits for queue
// space until ctx is done instead of being rejected.
func (d *Dispatcher) SubmitWait(ctx context.Context, w job.Window) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	return d.submit(ctx, w)
}

// submit enqueues without waiting when ctx is nil.
func (d *Dispatcher) submit(ctx context.Context, w job.Window) bool {
	t, ok := d.reg.Lookup(w.Task)
	if !ok {
		d.unknown.Add(1)
		d.log.Warn("submit for unknown task dropped", logx.String("task", w.Task))
		d.publish(eventbus.WindowRejected, w, ErrUnknownTask)
		return false
	}
	if !t.Def.Enabled {
		d.disabled.Add(1)
		d.log.Debug("submit for disabled task dropped", logx.String("task", w.Task))
		return false
	}
	if t.Def.Singleton {
		return d.submitSingleton(w)
	}
	return d.submitWindow(ctx, w)
}

var ErrUnknownTask = errors.New("unknown task")

func (d *Dispatcher) submitWindow(ctx context.Context, w job.Window) bool {
	k := w.Key()
	d.mu.Lock()
	if d.stopped || !d.started {
		d.mu.Unlock()
		return d.reject(w, ErrStopped)
	}
	if _, busy := d.windows[k]; busy {
		d.mu.Unlock()
		d.deduped.Add(1)
		d.log.Debug("window already in flight", logx.String("task", w.Task), logx.String("window", w.Canonical()))
		d.publish(eventbus.WindowDeduped, w, nil)
		return false
	}
	d.windows[k] = struct{}{}
	d.mu.Unlock()

	done := func() {
		d.mu.Lock()
		delete(d.windows, k)
		d.mu.Unlock()
	}
	item := work{
		run: func(ctx context.Context) {
			defer done()
			d.execute(ctx, w)
		},
		drop: done,
	}
	var err error
	if ctx == nil {
		err = d.bound.submit(item)
	} else {
		err = d.bound.submitWait(ctx, item)
	}
	if err != nil {
		done()
		return d.reject(w, err)
	}
	d.accepted(w)
	return true
}

func (d *Dispatcher) submitSingleton(w job.Window) bool {
	d.mu.Lock()
	if d.stopped || !d.started {
		d.mu.Unlock()
		return d.reject(w, ErrStopped)
	}
	if running, busy := d.singletons[w.Task]; busy {
		d.mu.Unlock()
		d.deduped.Add(1)
		d.log.Debug("singleton already in flight", logx.String("task", w.Task), logx.Stringer("occupied_by", running))
		d.publish(eventbus.WindowDeduped, w, nil)
		return false
	}
	d.singletons[w.Task] = w
	d.mu.Unlock()

	done := func() {
		d.mu.Lock()
		delete(d.singletons, w.Task)
		d.mu.Unlock()
	}
	err := d.elastic.submit(work{
		run: func(ctx context.Context) {
			defer done()
			d.execute(ctx, w)
		},
		drop: done,
	})
	if err != nil {
		done()
		return d.reject(w, err)
	}
	d.accepted(w)
	return true
}

func (d *Dispatcher) accepted(w job.Window) {
	d.submitted.Add(1)
	d.publish(eventbus.WindowSubmitted, w, nil)
}

func (d *Dispatcher) reject(w job.Window, err error) bool {
	d.rejected.Add(1)
	if errors.Is(err, ErrQueueFull) {
		d.log.Warn("window rejected; left to the next scan", logx.String("task", w.Task), logx.String("window", w.Canonical()), logx.Err(err))
	} else {
		d.log.Debug("window rejected", logx.String("task", w.Task), logx.String("window", w.Canonical()), logx.Err(err))
	}
	d.publish(eventbus.WindowRejected, w, err)
	return false
}

// execute is the outermost error boundary for one execution.
func (d *Dispatcher) execute(ctx context.Context, w job.Window) {
	g := d.guards[w.Task]
	if g == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("guard panic: %v", p)
			d.log.Error("guard panicked", logx.String("task", w.Task), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			d.publish(eventbus.WindowFailed, w, err)
		}
	}()

	outcome, err := g.Execute(ctx, w)
	if err != nil {
		if !guard.IsTaskError(err) {
			// task failures are already logged by the guard
			d.log.Warn("execution failed", logx.String("task", w.Task), logx.String("window", w.Canonical()), logx.Err(err))
		}
		return
	}
	d.log.Trace("execution finished", logx.String("task", w.Task), logx.Stringer("outcome", outcome))
}

func (d *Dispatcher) publish(t eventbus.Type, w job.Window, err error) {
	d.bus.Publish(eventbus.Event{Type: t, Data: eventbus.WindowEvent{Task: w.Task, Start: w.Start, Err: err}})
}

// Stop refuses new submissions, discards queued windows and waits for running
// executions until ctx is done. Executions still running then are cancelled
// and their leases left to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	sup := d.sup
	d.mu.Unlock()

	d.bound.close()
	d.elastic.close()
	if sup == nil {
		return nil
	}
	err := sup.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		d.log.Warn("dispatch stop deadline reached; abandoning running executions", logx.Int("in_flight", d.inFlight()))
		sup.Cancel()
		return err
	}
	d.log.Info("dispatch stopped")
	return nil
}

func (d *Dispatcher) inFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows) + len(d.singletons)
}

// Snapshot is a point-in-time view of the dispatcher.
type Snapshot struct {
	Workers         int    `json:"workers"`
	BusyWorkers     int    `json:"busy_workers"`
	QueueDepth      int    `json:"queue_depth"`
	QueueCapacity   int    `json:"queue_capacity"`
	ElasticWorkers  int    `json:"elastic_workers"`
	ElasticIdle     int    `json:"elastic_idle"`
	InFlightWindows int    `json:"in_flight_windows"`
	InFlightSingle  int    `json:"in_flight_singletons"`
	Submitted       uint64 `json:"submitted"`
	Deduped         uint64 `json:"deduped"`
	Rejected        uint64 `json:"rejected"`
	UnknownTask     uint64 `json:"unknown_task"`
	DisabledTask    uint64 `json:"disabled_task"`
	Stopped         bool   `json:"stopped"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{
		InFlightWindows: len(d.windows),
		InFlightSingle:  len(d.singletons),
		Stopped:         d.stopped,
	}
	d.mu.Unlock()

	s.Workers = d.cfg.Workers
	s.BusyWorkers = int(d.bound.busy.Load())
	s.QueueDepth = d.bound.depth()
	s.QueueCapacity = d.cfg.QueueSize
	s.ElasticWorkers = int(d.elastic.workers.Load())
	s.ElasticIdle = int(d.elastic.waiting.Load())
	s.Submitted = d.submitted.Load()
	s.Deduped = d.deduped.Load()
	s.Rejected = d.rejected.Load()
	s.UnknownTask = d.unknown.Load()
	s.DisabledTask = d.disabled.Load()
	return s
}
