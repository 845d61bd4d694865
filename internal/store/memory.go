package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"cronguard/internal/job"
)

type memLease struct {
	owner   string
	expires time.Time
}

// Memory is a process-local Store. It gives single-node deployments and tests
// the same semantics as the shared backends.
type Memory struct {
	layout Layout
	now    func() time.Time

	mu     sync.Mutex
	status map[string]map[string]bool // StatusKey -> canonical start -> done
	leases map[string]memLease        // LeaseKey -> lease
	closed bool
}

// NewMemory creates an empty store. now defaults to time.Now.
func NewMemory(layout Layout, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		layout: layout.withDefaults(),
		now:    now,
		status: map[string]map[string]bool{},
		leases: map[string]memLease{},
	}
}

func (m *Memory) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(op, err)
	}
	if m.closed {
		return unavailable(op, errClosed)
	}
	return nil
}

func (m *Memory) ListRecorded(ctx context.Context, task string) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "list"); err != nil {
		return nil, err
	}
	recs := m.status[m.layout.StatusKey(task)]
	out := make([]time.Time, 0, len(recs))
	for s := range recs {
		t, err := job.ParseStart(s)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *Memory) CreateIfAbsent(ctx context.Context, w job.Window) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "create"); err != nil {
		return false, err
	}
	key := m.layout.StatusKey(w.Task)
	recs := m.status[key]
	if recs == nil {
		recs = map[string]bool{}
		m.status[key] = recs
	}
	if _, ok := recs[w.Canonical()]; ok {
		return false, nil
	}
	recs[w.Canonical()] = false
	return true, nil
}

func (m *Memory) Completion(ctx context.Context, w job.Window) (job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "completion"); err != nil {
		return job.StatusAbsent, err
	}
	return m.statusLocked(w), nil
}

func (m *Memory) statusLocked(w job.Window) job.Status {
	done, ok := m.status[m.layout.StatusKey(w.Task)][w.Canonical()]
	return parseStatus(statusValue(done), ok)
}

func (m *Memory) Completions(ctx context.Context, ws []job.Window) (map[job.Key]job.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "completions"); err != nil {
		return nil, err
	}
	out := make(map[job.Key]job.Status, len(ws))
	for _, w := range ws {
		out[w.Key()] = m.statusLocked(w)
	}
	return out, nil
}

func (m *Memory) MarkCompleted(ctx context.Context, w job.Window) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "mark"); err != nil {
		return err
	}
	key := m.layout.StatusKey(w.Task)
	if m.status[key] == nil {
		m.status[key] = map[string]bool{}
	}
	m.status[key][w.Canonical()] = true
	return nil
}

// liveLocked returns the unexpired lease at key, dropping an expired one.
func (m *Memory) liveLocked(key string) (memLease, bool) {
	l, ok := m.leases[key]
	if !ok {
		return memLease{}, false
	}
	if !m.now().Before(l.expires) {
		delete(m.leases, key)
		return memLease{}, false
	}
	return l, true
}

func (m *Memory) TryAcquire(ctx context.Context, w job.Window, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "acquire"); err != nil {
		return false, err
	}
	key := m.layout.LeaseKey(w)
	if _, ok := m.liveLocked(key); !ok {
		m.leases[key] = memLease{owner: owner, expires: m.now().Add(ttl)}
	}
	return m.leases[key].owner == owner, nil
}

func (m *Memory) Renew(ctx context.Context, w job.Window, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "renew"); err != nil {
		return err
	}
	key := m.layout.LeaseKey(w)
	if l, ok := m.liveLocked(key); ok {
		l.expires = m.now().Add(ttl)
		m.leases[key] = l
	}
	return nil
}

func (m *Memory) Release(ctx context.Context, w job.Window, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "release"); err != nil {
		return false, err
	}
	key := m.layout.LeaseKey(w)
	l, ok := m.liveLocked(key)
	if !ok || l.owner != owner {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}

func (m *Memory) Leased(ctx context.Context, ws []job.Window) (map[job.Key]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "leased"); err != nil {
		return nil, err
	}
	out := make(map[job.Key]bool, len(ws))
	for _, w := range ws {
		_, ok := m.liveLocked(m.layout.LeaseKey(w))
		out[w.Key()] = ok
	}
	return out, nil
}

// Holder returns the current lease owner for w, if any.
func (m *Memory) Holder(w job.Window) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveLocked(m.layout.LeaseKey(w))
	return l.owner, ok
}

// LeaseKeys lists live lease keys in sorted order.
func (m *Memory) LeaseKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.leases))
	for k := range m.leases {
		if _, ok := m.liveLocked(k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

