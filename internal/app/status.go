package app

import (
	"time"

	"cronguard/internal/dispatch"
	rtsup "cronguard/internal/runtime/supervisor"
	"cronguard/internal/trigger"
)

// Status is the /status document.
type Status struct {
	Identity  string    `json:"identity"`
	StartedAt time.Time `json:"started_at"`
	Ready     bool      `json:"ready"`
	Timezone  string    `json:"timezone"`
	Store     string    `json:"store"`

	Tasks     []TaskStatus       `json:"tasks"`
	Dispatch  *dispatch.Snapshot `json:"dispatch,omitempty"`
	Schedules []trigger.Schedule `json:"schedules,omitempty"`

	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`

	LogLinesDropped uint64 `json:"log_lines_dropped"`
	EventsDropped   uint64 `json:"events_dropped"`
}

type TaskStatus struct {
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`
	Singleton bool   `json:"singleton"`
	Unit      string `json:"unit"`
	Interval  int    `json:"interval"`
	Window    string `json:"window"`
	Backfill  bool   `json:"backfill"`
	Rescan    string `json:"rescan,omitempty"`
}

func (a *App) Status() Status {
	s := Status{
		Identity:    a.identity,
		StartedAt:   a.startedAt,
		Ready:       a.ready.Load(),
		Store:       storeDriver(a.cfg),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if loc, err := a.cfg.Location(); err == nil {
		s.Timezone = loc.String()
	}
	for _, name := range a.reg.Names() {
		t, _ := a.reg.Lookup(name)
		ts := TaskStatus{
			Name:      name,
			Enabled:   t.Def.Enabled,
			Singleton: t.Def.Singleton,
			Unit:      t.Def.Unit.String(),
			Interval:  t.Def.Interval,
			Window:    t.Def.WindowDuration().String(),
			Backfill:  t.Def.BacktraceScan,
		}
		if t.Def.Rescan {
			ts.Rescan = t.Def.RescanInterval.String()
		}
		s.Tasks = append(s.Tasks, ts)
	}
	if a.disp != nil {
		snap := a.disp.Snapshot()
		s.Dispatch = &snap
		s.Supervisors["dispatch"] = a.disp.Supervisor().Snapshot()
	}
	if a.trig != nil {
		s.Schedules = a.trig.Snapshot()
	}
	if a.scan != nil {
		s.Supervisors["scanner"] = a.scan.Supervisor().Snapshot()
	}
	if a.ops != nil {
		s.Supervisors["ops"] = a.ops.Supervisor().Snapshot()
	}
	if a.sup != nil {
		s.Supervisors["app"] = a.sup.Snapshot()
	}
	if a.logs != nil {
		s.LogLinesDropped = a.logs.Dropped()
	}
	if a.bus != nil {
		s.EventsDropped = a.bus.Dropped()
	}
	return s
}
