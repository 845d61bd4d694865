package guard

import (
	"context"

	"cronguard/internal/eventbus"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	"cronguard/internal/store"
	logx "cronguard/pkg/logx"
)

// Unbound guards singleton tasks. Every run locks the placeholder window, so at
// most one execution of the task is active across the cluster. There is no
// completion bookkeeping.
type Unbound struct {
	runner
}

func NewUnbound(st store.Store, task registry.Task, opt Options) *Unbound {
	return &Unbound{runner: newRunner(st, task, opt)}
}

// Execute ignores the window it is given apart from the task name.
func (g *Unbound) Execute(ctx context.Context, w job.Window) (Outcome, error) {
	lock := job.Placeholder(g.task.Def.Name)
	if w.Task != "" {
		lock = job.Placeholder(w.Task)
	}

	exec, owner, ok, err := g.acquire(ctx, lock)
	if err != nil {
		g.publish(eventbus.WindowFailed, lock, exec, 0, err)
		return Failed, err
	}
	log := g.log.With(logx.String("exec", exec))
	if !ok {
		log.Debug("singleton already running elsewhere")
		g.publish(eventbus.WindowContended, lock, exec, 0, nil)
		return Contended, nil
	}
	return g.run(ctx, lock, exec, owner, false, log)
}
