package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rtsup "cronguard/internal/runtime/supervisor"
	logx "cronguard/pkg/logx"
)

var (
	ErrStopped   = errors.New("dispatch stopped")
	ErrQueueFull = errors.New("dispatch queue full")
)

// work is one queued execution. drop runs instead of run when the item is
// discarded without executing.
type work struct {
	run  func(ctx context.Context)
	drop func()
}

// boundedPool runs window-bound executions on a fixed worker set fed by a
// bounded queue. submit never blocks; submitWait blocks for queue space.
type boundedPool struct {
	workers int
	queue   chan work
	stopCh  chan struct{}
	sup     *rtsup.Supervisor

	// senders hold sendMu for reading; close takes it for writing once stopCh
	// is closed, so no send can land after the final drain.
	sendMu  sync.RWMutex
	stopped atomic.Bool

	busy atomic.Int32
}

func newBoundedPool(workers, queueSize int) *boundedPool {
	return &boundedPool{
		workers: workers,
		queue:   make(chan work, queueSize),
		stopCh:  make(chan struct{}),
	}
}

func (p *boundedPool) start(sup *rtsup.Supervisor) {
	p.sup = sup
	for i := 0; i < p.workers; i++ {
		sup.Go0(fmt.Sprintf("dispatch.bound.%d", i), p.worker)
	}
}

func (p *boundedPool) worker(ctx context.Context) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-p.stopCh:
			return
		default:
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case w := <-p.queue:
			p.busy.Add(1)
			w.run(ctx)
			p.busy.Add(-1)
		}
	}
}

func (p *boundedPool) submit(w work) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- w:
		return nil
	default:
		return ErrQueueFull
	}
}

// submitWait enqueues w, waiting for queue space until ctx is done or the
// pool closes.
func (p *boundedPool) submitWait(ctx context.Context, w work) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.queue <- w:
		return nil
	case <-p.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops intake and discards whatever is still queued.
func (p *boundedPool) close() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	// wait out senders blocked in submitWait; they return on stopCh
	p.sendMu.Lock()
	p.sendMu.Unlock()

	for {
		select {
		case w := <-p.queue:
			if w.drop != nil {
				w.drop()
			}
		default:
			return
		}
	}
}

func (p *boundedPool) depth() int { return len(p.queue) }

// elasticPool runs singleton executions. A submission is handed to an idle
// worker if one is waiting, otherwise a new worker is spawned. Workers exit
// after idle without work.
type elasticPool struct {
	idle    time.Duration
	handoff chan work
	stopCh  chan struct{}
	sup     *rtsup.Supervisor
	log     logx.Logger

	mu      sync.Mutex
	stopped bool
	seq     uint64

	workers atomic.Int32
	waiting atomic.Int32
}

func newElasticPool(idle time.Duration, log logx.Logger) *elasticPool {
	return &elasticPool{
		idle:    idle,
		handoff: make(chan work),
		stopCh:  make(chan struct{}),
		log:     log,
	}
}

func (p *elasticPool) start(sup *rtsup.Supervisor) { p.sup = sup }

func (p *elasticPool) submit(w work) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.sup == nil {
		return ErrStopped
	}
	select {
	case p.handoff <- w:
		return nil
	default:
	}
	p.seq++
	p.workers.Add(1)
	p.sup.Go0(fmt.Sprintf("dispatch.elastic.%d", p.seq), func(ctx context.Context) {
		defer p.workers.Add(-1)
		p.worker(ctx, w)
	})
	return nil
}

func (p *elasticPool) worker(ctx context.Context, first work) {
	first.run(ctx)

	t := time.NewTimer(p.idle)
	defer t.Stop()
	for {
		p.waiting.Add(1)
		select {
		case <-p.stopCh:
			p.waiting.Add(-1)
			return
		case <-ctx.Done():
			p.waiting.Add(-1)
			return
		case <-t.C:
			p.waiting.Add(-1)
			p.log.Debug("elastic worker reclaimed")
			return
		case w := <-p.handoff:
			p.waiting.Add(-1)
			w.run(ctx)
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(p.idle)
		}
	}
}

func (p *elasticPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.stopCh)
}
