package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cronguard/internal/job"
	logx "cronguard/pkg/logx"
)

// Func is a task's business logic. It runs synchronously for one window and
// reports failure through its error.
type Func func(ctx context.Context, w job.Window) error

// Task pairs a definition with its callable.
type Task struct {
	Def job.Definition
	Run Func
}

// Entry is one explicit registration passed to New.
type Entry struct {
	Def job.Definition
	Run Func
}

// Registry maps task names to tasks. It is filled once at startup and only
// read afterwards; the mutex covers the startup phase and late Register calls
// from tests.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
	log   logx.Logger
}

// New builds a registry from entries. Every definition is validated; the first
// invalid one aborts construction. A duplicate name keeps the first entry.
func New(log logx.Logger, entries ...Entry) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{tasks: make(map[string]Task, len(entries)), log: log}
	for _, e := range entries {
		if _, err := r.Register(e.Def, e.Run); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a task. It returns false without error when the name is
// already taken: first registration wins.
func (r *Registry) Register(def job.Definition, run Func) (bool, error) {
	if err := def.Validate(); err != nil {
		return false, err
	}
	if run == nil && !def.AlwaysSucceeds {
		return false, fmt.Errorf("task %q: callable is nil", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[def.Name]; ok {
		r.log.Warn("task already registered; keeping first", logx.String("task", def.Name))
		return false, nil
	}
	r.tasks[def.Name] = Task{Def: def, Run: run}
	r.log.Debug("task registered",
		logx.String("task", def.Name),
		logx.Bool("enabled", def.Enabled),
		logx.Bool("singleton", def.Singleton),
		logx.String("unit", def.Unit.String()),
		logx.Int("interval", def.Interval),
	)
	return true, nil
}

func (r *Registry) Lookup(name string) (Task, bool) {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	return t, ok
}

// Names returns all registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Enabled returns the sorted names of enabled tasks.
func (r *Registry) Enabled() []string {
	names := r.Names()
	out := names[:0]
	for _, n := range names {
		if t, ok := r.Lookup(n); ok && t.Def.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
