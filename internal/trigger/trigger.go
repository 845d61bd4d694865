package trigger

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronguard/internal/eventbus"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	logx "cronguard/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Submitter accepts windows for execution.
type Submitter interface {
	Submit(w job.Window) bool
}

// Trigger fires each enabled task at its window boundaries and submits the
// window that just ended. It only triggers; execution belongs to dispatch.
type Trigger struct {
	reg *registry.Registry
	sub Submitter
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location
	now func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	stopped chan struct{}
	entries map[string]entry
}

type entry struct {
	spec string
	id   cron.EntryID
}

type Option func(*Trigger)

// WithLocation sets the zone cron specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(t *Trigger) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		if now != nil {
			t.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(t *Trigger) {
		if bus != nil {
			t.bus = bus
		}
	}
}

func New(reg *registry.Registry, sub Submitter, log logx.Logger, opts ...Option) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Trigger{
		reg:     reg,
		sub:     sub,
		log:     log.With(logx.String("comp", "trigger")),
		bus:     eventbus.Nop{},
		loc:     time.Local,
		now:     time.Now,
		entries: map[string]entry{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start registers every enabled task and starts cron. Tasks whose spec does
// not parse are logged and skipped. Cron stops when ctx is done or on Stop.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.c = cron.New(cron.WithParser(parser), cron.WithLocation(t.loc))

	for _, name := range t.reg.Enabled() {
		task, _ := t.reg.Lookup(name)
		spec, err := Spec(task.Def)
		if err != nil {
			t.log.Error("trigger not scheduled", logx.String("task", name), logx.Err(err))
			continue
		}
		def := task.Def
		id, err := t.c.AddFunc(spec, func() { t.Fire(def) })
		if err != nil {
			t.log.Error("trigger not scheduled", logx.String("task", name), logx.String("spec", spec), logx.Err(err))
			continue
		}
		t.entries[name] = entry{spec: spec, id: id}
		t.log.Debug("trigger scheduled", logx.String("task", name), logx.String("spec", spec))
	}
	t.c.Start()
	stopped := make(chan struct{})
	t.stopped = stopped
	go func() {
		select {
		case <-ctx.Done():
			t.Stop(context.Background())
		case <-stopped:
		}
	}()
	t.log.Info("trigger started", logx.String("tz", t.loc.String()), logx.Int("schedules", len(t.entries)))
}

// Fire submits the current window of def. Cron calls it at each boundary.
func (t *Trigger) Fire(def job.Definition) bool {
	w, err := job.CurrentWindow(def, t.now().In(t.loc))
	if err != nil {
		t.log.Error("current window", logx.String("task", def.Name), logx.Err(err))
		return false
	}
	t.bus.Publish(eventbus.Event{Type: eventbus.TriggerFired, Data: eventbus.WindowEvent{Task: w.Task, Start: w.Start}})
	ok := t.sub.Submit(w)
	t.log.Debug("trigger fired", logx.String("task", def.Name), logx.Stringer("window", w), logx.Bool("accepted", ok))
	return ok
}

// Stop stops cron and waits for running fire callbacks until ctx is done.
// Only the first call after Start has an effect.
func (t *Trigger) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	if c != nil {
		close(t.stopped)
	}
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	t.log.Info("trigger stopped")
}

// Schedule is the public view of one registered trigger.
type Schedule struct {
	Task string    `json:"task"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

func (t *Trigger) Snapshot() []Schedule {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Schedule, 0, len(t.entries))
	for name, e := range t.entries {
		s := Schedule{Task: name, Spec: e.spec}
		if t.c != nil {
			ce := t.c.Entry(e.id)
			s.Next, s.Prev = ce.Next, ce.Prev
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}
