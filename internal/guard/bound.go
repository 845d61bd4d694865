package guard

import (
	"context"
	"fmt"

	"cronguard/internal/eventbus"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	"cronguard/internal/store"
	logx "cronguard/pkg/logx"
)

// Bound guards window-bound tasks: one completion record and one lease per
// window.
type Bound struct {
	runner
}

func NewBound(st store.Store, task registry.Task, opt Options) *Bound {
	return &Bound{runner: newRunner(st, task, opt)}
}

func (g *Bound) Execute(ctx context.Context, w job.Window) (Outcome, error) {
	log := g.log.With(logx.String("window", w.Canonical()))
	if err := w.Check(); err != nil {
		g.publish(eventbus.WindowFailed, w, "", 0, err)
		return Failed, err
	}

	created, err := g.st.CreateIfAbsent(ctx, w)
	if err != nil {
		err = fmt.Errorf("create record %s: %w", w.Key(), err)
		g.publish(eventbus.WindowFailed, w, "", 0, err)
		return Failed, err
	}
	if created {
		log.Debug("completion record created")
	} else {
		log.Debug("completion record already present")
	}

	exec, owner, ok, err := g.acquire(ctx, w)
	if err != nil {
		g.publish(eventbus.WindowFailed, w, exec, 0, err)
		return Failed, err
	}
	log = log.With(logx.String("exec", exec))
	if !ok {
		log.Debug("lease held elsewhere")
		g.publish(eventbus.WindowContended, w, exec, 0, nil)
		return Contended, nil
	}

	status, err := g.st.Completion(ctx, w)
	if err != nil {
		g.release(ctx, w, owner, log)
		err = fmt.Errorf("read completion %s: %w", w.Key(), err)
		g.publish(eventbus.WindowFailed, w, exec, 0, err)
		return Failed, err
	}
	if status == job.StatusCompleted {
		g.release(ctx, w, owner, log)
		log.Debug("window already completed")
		g.publish(eventbus.WindowSkipped, w, exec, 0, nil)
		return AlreadyCompleted, nil
	}

	return g.run(ctx, w, exec, owner, true, log)
}
