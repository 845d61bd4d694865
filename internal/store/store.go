package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"cronguard/internal/job"
	logx "cronguard/pkg/logx"
)

// Store is the shared TTL key-value state the execution protocol runs against.
//
// Completion records are created pending, move to completed once and are never
// deleted. Leases are owner-valued keys with an expiry. Every method may block
// on the network; failures are returned as *UnavailableError.
type Store interface {
	// ListRecorded returns every recorded window start (pending or completed)
	// for task.
	ListRecorded(ctx context.Context, task string) ([]time.Time, error)
	// CreateIfAbsent creates a pending record and reports whether this call
	// created it.
	CreateIfAbsent(ctx context.Context, w job.Window) (bool, error)
	Completion(ctx context.Context, w job.Window) (job.Status, error)
	// Completions returns one status per distinct input window.
	Completions(ctx context.Context, ws []job.Window) (map[job.Key]job.Status, error)
	MarkCompleted(ctx context.Context, w job.Window) error

	// TryAcquire sets owner as the lease value if no lease exists, then reports
	// whether owner is the value now stored.
	TryAcquire(ctx context.Context, w job.Window, owner string, ttl time.Duration) (bool, error)
	// Renew refreshes the expiry of an existing lease. A missing lease is a no-op.
	Renew(ctx context.Context, w job.Window, ttl time.Duration) error
	// Release deletes the lease only if owner holds it and reports whether it did.
	Release(ctx context.Context, w job.Window, owner string) (bool, error)
	// Leased reports, per distinct input window, whether a lease currently exists.
	Leased(ctx context.Context, ws []job.Window) (map[job.Key]bool, error)

	Close() error
}

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": process-local maps (single node, tests)
//   - "sqlite": SQLite database file shared by processes on one host
//   - "nats": NATS JetStream key-value buckets (cluster)
type Config struct {
	Driver string

	// sqlite
	Path        string
	BusyTimeout time.Duration

	// nats
	URL          string
	BucketPrefix string
	Replicas     int
	// LeaseTTL sizes the NATS lease bucket; it must match the guard's lease TTL.
	LeaseTTL time.Duration

	Layout Layout
}

// Open initializes the configured backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Layout = cfg.Layout.withDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.Layout, nil), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "nats", "jetstream":
		return OpenNATS(ctx, cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}

// dedupe drops repeated windows, keeping the first occurrence.
func dedupe(ws []job.Window) []job.Window {
	seen := make(map[job.Key]struct{}, len(ws))
	out := make([]job.Window, 0, len(ws))
	for _, w := range ws {
		k := w.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, w)
	}
	return out
}
