package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal that decouples the execution path from its
// observers (metrics, ops status, logs).
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber loses events rather than stalling a worker.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

// Type names what happened.
type Type string

const (
	WindowSubmitted  Type = "window.submitted"
	WindowDeduped    Type = "window.deduped"
	WindowRejected   Type = "window.rejected"
	WindowContended  Type = "window.contended"
	WindowSkipped    Type = "window.skipped"
	WindowStarted    Type = "window.started"
	WindowSucceeded  Type = "window.succeeded"
	WindowFailed     Type = "window.failed"
	LeaseRenewFailed Type = "lease.renew_failed"
	ScanCompleted    Type = "scan.completed"
	ScanFailed       Type = "scan.failed"
	TriggerFired     Type = "trigger.fired"
)

// WindowEvent is the Data of every window.* and lease.* event.
type WindowEvent struct {
	Task      string
	Start     time.Time
	Execution string
	Duration  time.Duration
	Err       error
}

// ScanEvent is the Data of scan.* events.
type ScanEvent struct {
	Task       string
	Source     string // backfill or rescan
	Candidates int
	Submitted  int
	Err        error
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscriber buffers.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.deliver(ch, e)
	}
}

// deliver recovers from a send on a channel closed by a concurrent unsubscribe.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
