package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"cronguard/internal/dispatch"
	"cronguard/internal/eventbus"
	"cronguard/internal/guard"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	"cronguard/internal/store"
	logx "cronguard/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []job.Window
}

func (r *recorder) SubmitWait(_ context.Context, w job.Window) bool {
	r.mu.Lock()
	r.got = append(r.got, w)
	r.mu.Unlock()
	return true
}

func (r *recorder) starts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, w := range r.got {
		out = append(out, w.Start.Format("15:04"))
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// shortStore answers batched reads with one entry missing.
type shortStore struct {
	store.Store
}

func (s shortStore) Completions(ctx context.Context, ws []job.Window) (map[job.Key]job.Status, error) {
	m, err := s.Store.Completions(ctx, ws)
	if err != nil || len(ws) == 0 {
		return m, err
	}
	delete(m, ws[0].Key())
	return m, nil
}

var tenOhSeven = time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)

func reportDef() job.Definition {
	return job.Definition{
		Name: "report", Enabled: true,
		Unit: job.UnitMinute, Interval: 15, StartRule: 0,
		BacktraceScan: true, BacktraceHours: 1,
		Rescan: true, RescanInterval: 10 * time.Millisecond,
	}
}

func newRegistry(t *testing.T, defs ...job.Definition) *registry.Registry {
	t.Helper()
	entries := make([]registry.Entry, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, registry.Entry{Def: d, Run: func(context.Context, job.Window) error { return nil }})
	}
	reg, err := registry.New(logx.Nop(), entries...)
	require.NoError(t, err)
	return reg
}

func win(task string, hh, mm int) job.Window {
	return job.NewWindow(task, time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC), 15*time.Minute)
}

func TestBackfillSubmitsMissingWindows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	_, err := st.CreateIfAbsent(ctx, win("report", 9, 0))
	require.NoError(t, err)
	require.NoError(t, st.MarkCompleted(ctx, win("report", 9, 15)))

	rec := &recorder{}
	reg := newRegistry(t, reportDef())
	s := New(Config{}, reg, st, rec, logx.Nop(), WithClock(func() time.Time { return tenOhSeven }))
	s.Backfill(ctx)

	assert.Equal(t, []string{"08:45", "09:30", "09:45"}, rec.starts())
}

func TestBackfillSkipsLeasedWindows(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	ok, err := st.TryAcquire(ctx, win("report", 9, 30), "peer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	rec := &recorder{}
	task, _ := newRegistry(t, reportDef()).Lookup("report")
	s := New(Config{}, newRegistry(t, reportDef()), st, rec, logx.Nop(), WithClock(func() time.Time { return tenOhSeven }))

	n, err := s.BackfillTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"08:45", "09:00", "09:15", "09:45"}, rec.starts())
}

func TestRescanFiltersCompletedAndLeased(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	for _, m := range []int{0, 15, 30, 45} {
		_, err := st.CreateIfAbsent(ctx, win("report", 9, m))
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkCompleted(ctx, win("report", 9, 0)))
	_, err := st.TryAcquire(ctx, win("report", 9, 15), "peer", time.Minute)
	require.NoError(t, err)

	rec := &recorder{}
	reg := newRegistry(t, reportDef())
	task, _ := reg.Lookup("report")
	n, err := New(Config{}, reg, st, rec, logx.Nop()).RescanTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"09:30", "09:45"}, rec.starts())
	for _, w := range rec.got {
		assert.Equal(t, 15*time.Minute, w.Duration())
	}
}

func TestConsistencyErrorAbortsCycle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory(store.Layout{}, nil)
	_, err := mem.CreateIfAbsent(ctx, win("report", 9, 0))
	require.NoError(t, err)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	rec := &recorder{}
	reg := newRegistry(t, reportDef())
	task, _ := reg.Lookup("report")
	_, err = New(Config{}, reg, shortStore{mem}, rec, logx.Nop(), WithBus(bus)).RescanTask(ctx, task)
	require.Error(t, err)
	assert.True(t, store.IsConsistency(err))
	assert.Zero(t, rec.len())

	e := <-events
	assert.Equal(t, eventbus.ScanFailed, e.Type)
}

func TestConfigurationErrorDisablesTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	bad := reportDef()
	bad.BacktraceHours = 0
	rec := &recorder{}
	s := New(Config{}, newRegistry(t), st, rec, logx.Nop())

	_, err := s.BackfillTask(ctx, registry.Task{Def: bad})
	require.Error(t, err)
	assert.True(t, job.IsConfigurationError(err))
	assert.Error(t, s.disabledErr("report"))
	assert.Zero(t, rec.len())
}

func TestRescanLoopRunsOnTimer(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	_, err := st.CreateIfAbsent(ctx, win("report", 9, 45))
	require.NoError(t, err)

	rec := &recorder{}
	s := New(Config{}, newRegistry(t, reportDef()), st, rec, logx.Nop())
	s.StartRescans(ctx)
	require.Eventually(t, func() bool { return rec.len() >= 2 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}

func TestSingletonTasksAreNotScanned(t *testing.T) {
	def := reportDef()
	def.Singleton = true
	rec := &recorder{}
	s := New(Config{}, newRegistry(t, def), store.NewMemory(store.Layout{}, nil), rec, logx.Nop(),
		WithClock(func() time.Time { return tenOhSeven }))
	s.Backfill(context.Background())
	assert.Zero(t, rec.len())
}

func TestSubmitRatePacesSubmissions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, nil)
	rec := &recorder{}
	reg := newRegistry(t, reportDef())
	task, _ := reg.Lookup("report")
	s := New(Config{SubmitRate: 100, SubmitBurst: 1}, reg, st, rec, logx.Nop(), WithClock(func() time.Time { return tenOhSeven }))

	begin := time.Now()
	n, err := s.BackfillTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.GreaterOrEqual(t, time.Since(begin), 35*time.Millisecond)
}

func TestFilterDeduplicatesAndSorts(t *testing.T) {
	st := store.NewMemory(store.Layout{}, nil)
	s := New(Config{}, newRegistry(t), st, &recorder{}, logx.Nop())

	out, err := s.Filter(context.Background(), []job.Window{win("report", 9, 30), win("report", 9, 0), win("report", 9, 30)})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.True(t, out[0].Start.Before(out[1].Start))
}

func TestBackfillLargerThanQueueRunsEveryWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory(store.Layout{}, func() time.Time { return tenOhSeven })

	def := reportDef()
	def.BacktraceHours = 2
	def.Rescan = false

	gate := make(chan struct{})
	var mu sync.Mutex
	ran := map[string]bool{}
	reg, err := registry.New(logx.Nop(), registry.Entry{Def: def, Run: func(ctx context.Context, w job.Window) error {
		<-gate
		mu.Lock()
		ran[w.Canonical()] = true
		mu.Unlock()
		return nil
	}})
	require.NoError(t, err)

	d := dispatch.New(dispatch.Config{Workers: 1, QueueSize: 2}, reg, func(task registry.Task) guard.Guard {
		return guard.For(st, task, guard.Options{Identity: "node-a"})
	}, logx.Nop(), nil)
	d.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()

	s := New(Config{}, reg, st, d, logx.Nop(), WithClock(func() time.Time { return tenOhSeven }))
	task, _ := reg.Lookup("report")

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := s.BackfillTask(ctx, task)
		done <- result{n, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, 9, r.n)
	assert.Zero(t, d.Snapshot().Rejected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 9
	}, 2*time.Second, 5*time.Millisecond)
	starts, err := job.BackfillStarts(def, tenOhSeven)
	require.NoError(t, err)
	for _, start := range starts {
		w := job.NewWindow("report", start, def.WindowDuration())
		require.Eventually(t, func() bool {
			status, err := st.Completion(ctx, w)
			return err == nil && status == job.StatusCompleted
		}, time.Second, 5*time.Millisecond, w.String())
	}
}
