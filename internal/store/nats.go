package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cronguard/internal/job"
	logx "cronguard/pkg/logx"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	defaultBucketPrefix = "cronguard"
	defaultNATSLeaseTTL = 60 * time.Second
)

// NATS keeps completion records and leases in two JetStream KV buckets.
//
// NATS key tokens are '.'-separated, so the ':' separators of Layout become '.'.
// The lease bucket carries a bucket-level TTL equal to the lease TTL: every
// create or update restarts the key's age, which is what Renew relies on.
type NATS struct {
	nc     *nats.Conn
	status jetstream.KeyValue
	leases jetstream.KeyValue
	layout Layout
	ttl    time.Duration
	log    logx.Logger
}

func OpenNATS(ctx context.Context, cfg Config, log logx.Logger) (*NATS, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("cronguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, unavailable("connect", fmt.Errorf("connecting to NATS: %w", err))
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, unavailable("connect", fmt.Errorf("creating JetStream context: %w", err))
	}

	prefix := strings.TrimSpace(cfg.BucketPrefix)
	if prefix == "" {
		prefix = defaultBucketPrefix
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultNATSLeaseTTL
	}
	replicas := cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	status, err := js.CreateOrUpdateKeyValue(setupCtx, jetstream.KeyValueConfig{
		Bucket:   prefix + "_status",
		Storage:  jetstream.FileStorage,
		Replicas: replicas,
	})
	if err != nil {
		nc.Close()
		return nil, unavailable("setup", fmt.Errorf("creating KV bucket %s_status: %w", prefix, err))
	}
	leases, err := js.CreateOrUpdateKeyValue(setupCtx, jetstream.KeyValueConfig{
		Bucket:   prefix + "_leases",
		Storage:  jetstream.FileStorage,
		Replicas: replicas,
		TTL:      ttl,
	})
	if err != nil {
		nc.Close()
		return nil, unavailable("setup", fmt.Errorf("creating KV bucket %s_leases: %w", prefix, err))
	}

	log.Info("nats store ready", logx.String("url", nc.ConnectedUrl()), logx.String("bucket_prefix", prefix), logx.Duration("lease_ttl", ttl))
	return &NATS{nc: nc, status: status, leases: leases, layout: cfg.Layout.withDefaults(), ttl: ttl, log: log}, nil
}

func natsKey(k string) string { return strings.ReplaceAll(k, ":", ".") }

func (s *NATS) statusKey(w job.Window) string {
	return natsKey(s.layout.StatusKey(w.Task) + ":" + w.Canonical())
}

func (s *NATS) leaseKey(w job.Window) string { return natsKey(s.layout.LeaseKey(w)) }

func (s *NATS) ListRecorded(ctx context.Context, task string) ([]time.Time, error) {
	prefix := natsKey(s.layout.StatusKey(task)) + "."
	// subject filter: the server only returns this task's keys
	lister, err := s.status.ListKeysFiltered(ctx, prefix+">")
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer func() { _ = lister.Stop() }()

	var out []time.Time
	for k := range lister.Keys() {
		t, err := job.ParseStart(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	if err := ctx.Err(); err != nil {
		// the lister stops early on cancellation
		return nil, unavailable("list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *NATS) CreateIfAbsent(ctx context.Context, w job.Window) (bool, error) {
	_, err := s.status.Create(ctx, s.statusKey(w), []byte(valuePending))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("create", err)
	}
	return true, nil
}

func (s *NATS) Completion(ctx context.Context, w job.Window) (job.Status, error) {
	entry, err := s.status.Get(ctx, s.statusKey(w))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return job.StatusAbsent, nil
	}
	if err != nil {
		return job.StatusAbsent, unavailable("completion", err)
	}
	return parseStatus(string(entry.Value()), true), nil
}

func (s *NATS) Completions(ctx context.Context, ws []job.Window) (map[job.Key]job.Status, error) {
	ws = dedupe(ws)
	out := make(map[job.Key]job.Status, len(ws))
	for _, w := range ws {
		st, err := s.Completion(ctx, w)
		if err != nil {
			return nil, unavailable("completions", err)
		}
		out[w.Key()] = st
	}
	return out, nil
}

func (s *NATS) MarkCompleted(ctx context.Context, w job.Window) error {
	_, err := s.status.Put(ctx, s.statusKey(w), []byte(valueCompleted))
	return unavailable("mark", err)
}

// TryAcquire ignores ttl; the lease bucket TTL applies to every key.
func (s *NATS) TryAcquire(ctx context.Context, w job.Window, owner string, _ time.Duration) (bool, error) {
	key := s.leaseKey(w)
	if _, err := s.leases.Create(ctx, key, []byte(owner)); err != nil && !errors.Is(err, jetstream.ErrKeyExists) {
		return false, unavailable("acquire", err)
	}
	entry, err := s.leases.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("acquire", err)
	}
	return string(entry.Value()) == owner, nil
}

func (s *NATS) Renew(ctx context.Context, w job.Window, _ time.Duration) error {
	key := s.leaseKey(w)
	entry, err := s.leases.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return unavailable("renew", err)
	}
	_, err = s.leases.Update(ctx, key, entry.Value(), entry.Revision())
	if err != nil && isRevisionConflict(err) {
		// deleted or replaced between Get and Update
		return nil
	}
	return unavailable("renew", err)
}

func (s *NATS) Release(ctx context.Context, w job.Window, owner string) (bool, error) {
	key := s.leaseKey(w)
	entry, err := s.leases.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("release", err)
	}
	if string(entry.Value()) != owner {
		return false, nil
	}
	if err := s.leases.Delete(ctx, key, jetstream.LastRevision(entry.Revision())); err != nil {
		if isRevisionConflict(err) {
			return false, nil
		}
		return false, unavailable("release", err)
	}
	return true, nil
}

func (s *NATS) Leased(ctx context.Context, ws []job.Window) (map[job.Key]bool, error) {
	ws = dedupe(ws)
	out := make(map[job.Key]bool, len(ws))
	for _, w := range ws {
		_, err := s.leases.Get(ctx, s.leaseKey(w))
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			out[w.Key()] = false
		case err != nil:
			return nil, unavailable("leased", err)
		default:
			out[w.Key()] = true
		}
	}
	return out, nil
}

func (s *NATS) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	s.nc.Close()
	return nil
}

func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}
