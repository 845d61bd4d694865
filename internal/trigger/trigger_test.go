package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"cronguard/internal/job"
	"cronguard/internal/registry"
	logx "cronguard/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []job.Window
}

func (r *recorder) Submit(w job.Window) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, w)
	return true
}

func TestSpecDerivation(t *testing.T) {
	cases := map[string]struct {
		def  job.Definition
		want string
	}{
		"minute quarter":      {job.Definition{Unit: job.UnitMinute, Interval: 15, StartRule: 0}, "0/15 * * * *"},
		"minute offset":       {job.Definition{Unit: job.UnitMinute, Interval: 15, StartRule: 20}, "5/15 * * * *"},
		"minute rule sixty":   {job.Definition{Unit: job.UnitMinute, Interval: 10, StartRule: 60}, "0/10 * * * *"},
		"minute whole hours":  {job.Definition{Unit: job.UnitMinute, Interval: 120, StartRule: 5}, "5 */2 * * *"},
		"minute odd interval": {job.Definition{Unit: job.UnitMinute, Interval: 90}, "@every 90m"},
		"hour every six":      {job.Definition{Unit: job.UnitHour, Interval: 6, StartRule: 2}, "0 2/6 * * *"},
		"hour daily":          {job.Definition{Unit: job.UnitHour, Interval: 24, StartRule: 3}, "0 3 * * *"},
		"hour multi day":      {job.Definition{Unit: job.UnitHour, Interval: 48}, "@every 48h"},
		"explicit cron":       {job.Definition{Interval: 1, Schedule: "*/5 * * * *"}, "*/5 * * * *"},
		"explicit duration":   {job.Definition{Interval: 1, Schedule: "90s"}, "@every 1m30s"},
		"explicit hhmm":       {job.Definition{Interval: 1, Schedule: "01:30"}, "@every 1h30m0s"},
		"explicit prefix":     {job.Definition{Interval: 1, Schedule: "cron: @hourly"}, "@hourly"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Spec(tc.def)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			_, err = parser.Parse(got)
			assert.NoError(t, err)
		})
	}
}

func TestSpecRejectsGarbage(t *testing.T) {
	_, err := Spec(job.Definition{Name: "x", Interval: 1, Schedule: "soon"})
	assert.Error(t, err)

	err = Validate(job.Definition{Name: "x", Interval: 1, Schedule: "99 * * * *"})
	require.Error(t, err)
	assert.True(t, job.IsConfigurationError(err))
}

func TestFireSubmitsCurrentWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	rec := &recorder{}
	def := job.Definition{Name: "report", Enabled: true, Unit: job.UnitMinute, Interval: 15}
	reg, err := registry.New(logx.Nop(), registry.Entry{Def: def, Run: func(context.Context, job.Window) error { return nil }})
	require.NoError(t, err)

	tr := New(reg, rec, logx.Nop(), WithLocation(time.UTC), WithClock(func() time.Time { return now }))
	assert.True(t, tr.Fire(def))

	require.Len(t, rec.got, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rec.got[0].Start)
	assert.Equal(t, now, rec.got[0].End)
}

func TestFireSingletonUsesPlaceholder(t *testing.T) {
	rec := &recorder{}
	def := job.Definition{Name: "sweep", Enabled: true, Singleton: true, Unit: job.UnitMinute, Interval: 1}
	reg, err := registry.New(logx.Nop(), registry.Entry{Def: def, Run: func(context.Context, job.Window) error { return nil }})
	require.NoError(t, err)

	New(reg, rec, logx.Nop()).Fire(def)
	require.Len(t, rec.got, 1)
	assert.True(t, rec.got[0].Equal(job.Placeholder("sweep")))
}

func TestStartRegistersEnabledTasks(t *testing.T) {
	on := job.Definition{Name: "on", Enabled: true, Unit: job.UnitHour, Interval: 1}
	off := job.Definition{Name: "off", Unit: job.UnitHour, Interval: 1}
	run := func(context.Context, job.Window) error { return nil }
	reg, err := registry.New(logx.Nop(), registry.Entry{Def: on, Run: run}, registry.Entry{Def: off, Run: run})
	require.NoError(t, err)

	tr := New(reg, &recorder{}, logx.Nop(), WithLocation(time.UTC))
	tr.Start(context.Background())
	defer tr.Stop(context.Background())

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "on", snap[0].Task)
	assert.Equal(t, "0 0/1 * * *", snap[0].Spec)
	assert.False(t, snap[0].Next.IsZero())
}

func TestStartStopsWhenContextDone(t *testing.T) {
	def := job.Definition{Name: "on", Enabled: true, Unit: job.UnitMinute, Interval: 5}
	reg, err := registry.New(logx.Nop(), registry.Entry{Def: def, Run: func(context.Context, job.Window) error { return nil }})
	require.NoError(t, err)

	tr := New(reg, &recorder{}, logx.Nop(), WithLocation(time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	tr.Start(ctx)

	running := func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.c != nil
	}
	require.True(t, running())
	cancel()
	assert.Eventually(t, func() bool { return !running() }, time.Second, 5*time.Millisecond)

	// a later Stop is a no-op
	tr.Stop(context.Background())
}
