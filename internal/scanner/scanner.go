package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronguard/internal/eventbus"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	rtsup "cronguard/internal/runtime/supervisor"
	"cronguard/internal/store"
	logx "cronguard/pkg/logx"

	"golang.org/x/time/rate"
)

const (
	sourceBackfill = "backfill"
	sourceRescan   = "rescan"
)

// Submitter accepts windows for execution. SubmitWait waits for capacity
// until ctx is done; a backfill candidate has no store record yet, so a
// dropped submission would not be seen again until the next startup.
type Submitter interface {
	SubmitWait(ctx context.Context, w job.Window) bool
}

type Config struct {
	// SubmitRate paces submissions per second. 0 disables pacing.
	SubmitRate float64
	// SubmitBurst defaults to max(1, SubmitRate).
	SubmitBurst int
}

// Scanner finds windows that were missed or never completed and submits them.
//
// Backfill runs once at startup. Rescan loops are armed afterwards, one per
// task with rescanning enabled, each on its own fixed-delay timer.
type Scanner struct {
	reg *registry.Registry
	st  store.Store
	sub Submitter
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	limiter *rate.Limiter

	mu       sync.Mutex
	disabled map[string]error
	sup      *rtsup.Supervisor
}

type Option func(*Scanner)

// WithClock replaces time.Now for boundary computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scanner) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func New(cfg Config, reg *registry.Registry, st store.Store, sub Submitter, log logx.Logger, opts ...Option) *Scanner {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scanner{
		reg:      reg,
		st:       st,
		sub:      sub,
		log:      log.With(logx.String("comp", "scanner")),
		bus:      eventbus.Nop{},
		now:      time.Now,
		disabled: map[string]error{},
	}
	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = int(cfg.SubmitRate)
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Backfill runs the startup scan for every enabled window-bound task with
// BacktraceScan set. Failures are per task and never abort the others.
func (s *Scanner) Backfill(ctx context.Context) {
	for _, name := range s.reg.Enabled() {
		t, _ := s.reg.Lookup(name)
		if !t.Def.BacktraceScan || t.Def.Singleton {
			continue
		}
		if _, err := s.BackfillTask(ctx, t); err != nil && ctx.Err() != nil {
			return
		}
	}
}

// BackfillTask submits the expected windows of the backtrace horizon that have
// no completion record yet and pass the candidate filter.
func (s *Scanner) BackfillTask(ctx context.Context, t registry.Task) (int, error) {
	log := s.log.With(logx.String("task", t.Def.Name), logx.String("source", sourceBackfill))

	candidates, err := s.Missing(ctx, t.Def, s.now())
	if err != nil {
		if job.IsConfigurationError(err) {
			s.disable(t.Def.Name, err)
			log.Error("scanner disabled for task", logx.Err(err))
		} else {
			log.Warn("backfill failed", logx.Err(err))
		}
		s.publishScan(t.Def.Name, sourceBackfill, 0, 0, err)
		return 0, err
	}
	return s.submitFiltered(ctx, t.Def.Name, sourceBackfill, candidates, log)
}

// Missing returns the expected backfill windows at now minus the recorded ones,
// before the candidate filter.
func (s *Scanner) Missing(ctx context.Context, def job.Definition, now time.Time) ([]job.Window, error) {
	starts, err := job.BackfillStarts(def, now)
	if err != nil {
		return nil, err
	}
	recorded, err := s.st.ListRecorded(ctx, def.Name)
	if err != nil {
		return nil, fmt.Errorf("list recorded %s: %w", def.Name, err)
	}
	seen := make(map[int64]struct{}, len(recorded))
	for _, r := range recorded {
		seen[r.UnixMilli()] = struct{}{}
	}
	out := make([]job.Window, 0, len(starts))
	for _, st := range starts {
		if _, ok := seen[st.UnixMilli()]; ok {
			continue
		}
		out = append(out, job.NewWindow(def.Name, st, def.WindowDuration()))
	}
	return out, nil
}

// RescanTask re-submits recorded windows that are neither completed nor leased.
func (s *Scanner) RescanTask(ctx context.Context, t registry.Task) (int, error) {
	log := s.log.With(logx.String("task", t.Def.Name), logx.String("source", sourceRescan))

	recorded, err := s.st.ListRecorded(ctx, t.Def.Name)
	if err != nil {
		err = fmt.Errorf("list recorded %s: %w", t.Def.Name, err)
		log.Warn("rescan failed", logx.Err(err))
		s.publishScan(t.Def.Name, sourceRescan, 0, 0, err)
		return 0, err
	}
	ws := make([]job.Window, 0, len(recorded))
	for _, r := range recorded {
		ws = append(ws, job.NewWindow(t.Def.Name, r, t.Def.WindowDuration()))
	}
	return s.submitFiltered(ctx, t.Def.Name, sourceRescan, ws, log)
}

func (s *Scanner) submitFiltered(ctx context.Context, task, source string, ws []job.Window, log logx.Logger) (int, error) {
	candidates, err := s.Filter(ctx, ws)
	if err != nil {
		if store.IsConsistency(err) {
			log.Error("scan cycle aborted on inconsistent batch", logx.Err(err))
		} else {
			log.Warn("candidate filter failed", logx.Err(err))
		}
		s.publishScan(task, source, len(ws), 0, err)
		return 0, err
	}

	submitted := 0
	for _, w := range candidates {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.publishScan(task, source, len(candidates), submitted, err)
				return submitted, err
			}
		}
		if s.sub.SubmitWait(ctx, w) {
			submitted++
		} else if err := ctx.Err(); err != nil {
			s.publishScan(task, source, len(candidates), submitted, err)
			return submitted, err
		}
	}
	if len(candidates) > 0 {
		log.Info("scan submitted windows", logx.Int("candidates", len(candidates)), logx.Int("submitted", submitted))
	} else {
		log.Debug("scan found nothing to submit", logx.Int("checked", len(ws)))
	}
	s.publishScan(task, source, len(candidates), submitted, nil)
	return submitted, nil
}

// Filter keeps the windows that are not completed and not currently leased,
// in start order. A batch answer with the wrong entry count aborts the call
// with a *store.ConsistencyError.
func (s *Scanner) Filter(ctx context.Context, ws []job.Window) ([]job.Window, error) {
	ws = dedupe(ws)
	if len(ws) == 0 {
		return nil, nil
	}

	statuses, err := s.st.Completions(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("completions: %w", err)
	}
	if err := store.CheckBatch("completions", len(ws), len(statuses)); err != nil {
		return nil, err
	}
	open := make([]job.Window, 0, len(ws))
	for _, w := range ws {
		if statuses[w.Key()] != job.StatusCompleted {
			open = append(open, w)
		}
	}
	if len(open) == 0 {
		return nil, nil
	}

	leased, err := s.st.Leased(ctx, open)
	if err != nil {
		return nil, fmt.Errorf("leases: %w", err)
	}
	if err := store.CheckBatch("leased", len(open), len(leased)); err != nil {
		return nil, err
	}
	out := open[:0]
	for _, w := range open {
		if !leased[w.Key()] {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// StartRescans arms one fixed-delay loop per enabled task with Rescan set.
// Call it after Backfill returns.
func (s *Scanner) StartRescans(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for _, name := range s.reg.Enabled() {
		t, _ := s.reg.Lookup(name)
		if !t.Def.Rescan || t.Def.Singleton {
			continue
		}
		if err := s.disabledErr(name); err != nil {
			s.log.Warn("rescan not armed", logx.String("task", name), logx.Err(err))
			continue
		}
		sup.GoRestart("rescan."+name, func(ctx context.Context) error {
			return s.rescanLoop(ctx, t)
		}, rtsup.WithRestartBackoff(time.Second, time.Minute))
		s.log.Debug("rescan armed", logx.String("task", name), logx.Duration("every", t.Def.RescanInterval))
	}
}

func (s *Scanner) rescanLoop(ctx context.Context, t registry.Task) error {
	timer := time.NewTimer(t.Def.RescanInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		_, _ = s.RescanTask(ctx, t)
		timer.Reset(t.Def.RescanInterval)
	}
}

// Stop cancels the rescan loops and waits for them until ctx is done.
func (s *Scanner) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Supervisor exposes rescan loop stats for /status.
func (s *Scanner) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Scanner) disable(task string, err error) {
	s.mu.Lock()
	s.disabled[task] = err
	s.mu.Unlock()
}

func (s *Scanner) disabledErr(task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled[task]
}

func (s *Scanner) publishScan(task, source string, candidates, submitted int, err error) {
	t := eventbus.ScanCompleted
	if err != nil {
		t = eventbus.ScanFailed
	}
	s.bus.Publish(eventbus.Event{Type: t, Data: eventbus.ScanEvent{
		Task: task, Source: source, Candidates: candidates, Submitted: submitted, Err: err,
	}})
}

func dedupe(ws []job.Window) []job.Window {
	seen := make(map[job.Key]struct{}, len(ws))
	out := make([]job.Window, 0, len(ws))
	for _, w := range ws {
		if _, ok := seen[w.Key()]; ok {
			continue
		}
		seen[w.Key()] = struct{}{}
		out = append(out, w)
	}
	return out
}
