package guard

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"cronguard/internal/eventbus"
	"cronguard/internal/job"
	"cronguard/internal/registry"
	"cronguard/internal/store"
	logx "cronguard/pkg/logx"

	"github.com/google/uuid"
)

// Outcome is how one Execute call ended.
type Outcome int

const (
	// Failed means an error was returned alongside.
	Failed Outcome = iota
	// Executed means the callable ran (or was skipped by AlwaysSucceeds) and the
	// window is completed.
	Executed
	// AlreadyCompleted means a peer completed the window first.
	AlreadyCompleted
	// Contended means another owner holds the lease. It is not an error.
	Contended
)

func (o Outcome) String() string {
	switch o {
	case Executed:
		return "executed"
	case AlreadyCompleted:
		return "already_completed"
	case Contended:
		return "contended"
	default:
		return "failed"
	}
}

const (
	DefaultLeaseTTL  = 60 * time.Second
	DefaultHeartbeat = 20 * time.Second

	releaseTimeout = 5 * time.Second
)

// Guard runs one window through the lease protocol.
type Guard interface {
	Execute(ctx context.Context, w job.Window) (Outcome, error)
}

// Options are shared by both guard variants.
type Options struct {
	// Identity is this node's stable identity (host:port). Lease values are
	// Identity plus a per-execution id.
	Identity  string
	LeaseTTL  time.Duration
	Heartbeat time.Duration

	Log logx.Logger
	Bus eventbus.Bus

	// NewID generates execution ids. Defaults to uuid.NewString.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.Heartbeat <= 0 || o.Heartbeat >= o.LeaseTTL {
		o.Heartbeat = o.LeaseTTL / 3
	}
	if strings.TrimSpace(o.Identity) == "" {
		o.Identity = "unknown"
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Bus == nil {
		o.Bus = eventbus.Nop{}
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// For returns the guard variant matching the task definition.
func For(st store.Store, task registry.Task, opt Options) Guard {
	if task.Def.Singleton {
		return NewUnbound(st, task, opt)
	}
	return NewBound(st, task, opt)
}

// runner holds what both variants share: lease handling, heartbeat, invocation.
type runner struct {
	st   store.Store
	task registry.Task
	opt  Options
	log  logx.Logger
}

func newRunner(st store.Store, task registry.Task, opt Options) runner {
	opt = opt.withDefaults()
	return runner{
		st:   st,
		task: task,
		opt:  opt,
		log:  opt.Log.With(logx.String("comp", "guard"), logx.String("task", task.Def.Name)),
	}
}

func (r runner) publish(t eventbus.Type, w job.Window, exec string, dur time.Duration, err error) {
	r.opt.Bus.Publish(eventbus.Event{Type: t, Data: eventbus.WindowEvent{
		Task: w.Task, Start: w.Start, Execution: exec, Duration: dur, Err: err,
	}})
}

// release drops the lease on a context detached from ctx so shutdown does not
// leave the lease to expire. Failures are logged only.
func (r runner) release(ctx context.Context, w job.Window, owner string, log logx.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	released, err := r.st.Release(rctx, w, owner)
	switch {
	case err != nil:
		log.Warn("lease release failed", logx.Err(err))
	case !released:
		log.Debug("lease already gone at release")
	}
}

// heartbeat renews the lease every Heartbeat until the returned stop is called.
func (r runner) heartbeat(ctx context.Context, w job.Window, exec string, log logx.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.opt.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := r.st.Renew(hbCtx, w, r.opt.LeaseTTL); err != nil && hbCtx.Err() == nil {
					log.Warn("lease renew failed", logx.Err(err))
					r.publish(eventbus.LeaseRenewFailed, w, exec, 0, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// invoke runs the callable, converting a panic into a *TaskError.
func (r runner) invoke(ctx context.Context, w job.Window) (err error) {
	if r.task.Def.AlwaysSucceeds || r.task.Run == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = &TaskError{Task: w.Task, Start: w.Start, Err: fmt.Errorf("panic: %v", p), Panic: p, Stack: string(debug.Stack())}
		}
	}()
	if rerr := r.task.Run(ctx, w); rerr != nil {
		return &TaskError{Task: w.Task, Start: w.Start, Err: rerr}
	}
	return nil
}

// acquire tries the lease and returns the owner token used for it.
func (r runner) acquire(ctx context.Context, w job.Window) (exec, owner string, ok bool, err error) {
	exec = r.opt.NewID()
	owner = r.opt.Identity + "/" + exec
	ok, err = r.st.TryAcquire(ctx, w, owner, r.opt.LeaseTTL)
	if err != nil {
		return exec, owner, false, fmt.Errorf("acquire lease %s: %w", w.Key(), err)
	}
	return exec, owner, ok, nil
}

// run executes the callable under the held lease. complete marks the window
// completed on success before the lease is released.
func (r runner) run(ctx context.Context, w job.Window, exec, owner string, complete bool, log logx.Logger) (Outcome, error) {
	stop := r.heartbeat(ctx, w, exec, log)
	defer stop()

	started := time.Now()
	r.publish(eventbus.WindowStarted, w, exec, 0, nil)
	log.Debug("execution started")

	if err := r.invoke(ctx, w); err != nil {
		dur := time.Since(started)
		stop()
		r.release(ctx, w, owner, log)
		if te, ok := err.(*TaskError); ok && te.Panic != nil {
			log.Error("task panicked", logx.Any("panic", te.Panic), logx.Stack(te.Stack))
		} else {
			log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur))
		}
		r.publish(eventbus.WindowFailed, w, exec, dur, err)
		return Failed, err
	}

	if complete {
		if err := r.st.MarkCompleted(ctx, w); err != nil {
			dur := time.Since(started)
			stop()
			r.release(ctx, w, owner, log)
			err = fmt.Errorf("mark completed %s: %w", w.Key(), err)
			log.Error("completion mark failed", logx.Err(err))
			r.publish(eventbus.WindowFailed, w, exec, dur, err)
			return Failed, err
		}
	}

	dur := time.Since(started)
	stop()
	r.release(ctx, w, owner, log)
	if dur >= 750*time.Millisecond {
		log.Info("execution completed", logx.Duration("dur", dur))
	} else {
		log.Debug("execution completed", logx.Duration("dur", dur))
	}
	r.publish(eventbus.WindowSucceeded, w, exec, dur, nil)
	return Executed, nil
}
