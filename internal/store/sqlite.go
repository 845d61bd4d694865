package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"cronguard/internal/job"
	logx "cronguard/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite stores completion records and leases in one database file. Lease
// expiry is a millisecond deadline column; expired rows are treated as absent
// and pruned opportunistically.
type SQLite struct {
	db     *sql.DB
	log    logx.Logger
	layout Layout
	now    func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// one connection serializes every read-then-write sequence below
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &SQLite{db: db, log: log, layout: cfg.Layout.withDefaults(), now: time.Now, pruneEvery: 200}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *SQLite) nowMillis() int64 { return s.now().UnixMilli() }

func (s *SQLite) ListRecorded(ctx context.Context, task string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT start FROM completion WHERE task = ? ORDER BY start`, task)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var start string
		if err := rows.Scan(&start); err != nil {
			return nil, unavailable("list", err)
		}
		t, err := job.ParseStart(start)
		if err != nil {
			s.log.Warn("skipping malformed completion record", logx.String("task", task), logx.String("start", start))
			continue
		}
		out = append(out, t)
	}
	return out, unavailable("list", rows.Err())
}

func (s *SQLite) CreateIfAbsent(ctx context.Context, w job.Window) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO completion(task, start, done) VALUES(?,?,0) ON CONFLICT(task, start) DO NOTHING`,
		w.Task, w.Canonical(),
	)
	if err != nil {
		return false, unavailable("create", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("create", err)
	}
	return n == 1, nil
}

func (s *SQLite) Completion(ctx context.Context, w job.Window) (job.Status, error) {
	var done int
	err := s.db.QueryRowContext(ctx, `SELECT done FROM completion WHERE task = ? AND start = ?`, w.Task, w.Canonical()).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return job.StatusAbsent, nil
	}
	if err != nil {
		return job.StatusAbsent, unavailable("completion", err)
	}
	return parseStatus(statusValue(done == 1), true), nil
}

func (s *SQLite) Completions(ctx context.Context, ws []job.Window) (map[job.Key]job.Status, error) {
	ws = dedupe(ws)
	out := make(map[job.Key]job.Status, len(ws))
	for task, group := range byTask(ws) {
		args := make([]any, 0, len(group)+1)
		args = append(args, task)
		for _, w := range group {
			args = append(args, w.Canonical())
			out[w.Key()] = job.StatusAbsent
		}
		q := `SELECT start, done FROM completion WHERE task = ? AND start IN (` + placeholders(len(group)) + `)`
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, unavailable("completions", err)
		}
		for rows.Next() {
			var (
				start string
				done  int
			)
			if err := rows.Scan(&start, &done); err != nil {
				rows.Close()
				return nil, unavailable("completions", err)
			}
			t, err := job.ParseStart(start)
			if err != nil {
				continue
			}
			out[job.Key{Task: task, Start: t.UnixMilli()}] = parseStatus(statusValue(done == 1), true)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, unavailable("completions", err)
		}
	}
	return out, nil
}

func (s *SQLite) MarkCompleted(ctx context.Context, w job.Window) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO completion(task, start, done) VALUES(?,?,1) ON CONFLICT(task, start) DO UPDATE SET done = 1`,
		w.Task, w.Canonical(),
	)
	return unavailable("mark", err)
}

func (s *SQLite) TryAcquire(ctx context.Context, w job.Window, owner string, ttl time.Duration) (bool, error) {
	key := s.layout.LeaseKey(w)
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lease(key, owner, expires_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		 WHERE lease.expires_at <= ?`,
		key, owner, now+ttl.Milliseconds(), now,
	)
	if err != nil {
		return false, unavailable("acquire", err)
	}
	s.maybePrune()

	var holder string
	err = s.db.QueryRowContext(ctx, `SELECT owner FROM lease WHERE key = ? AND expires_at > ?`, key, now).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("acquire", err)
	}
	return holder == owner, nil
}

func (s *SQLite) Renew(ctx context.Context, w job.Window, ttl time.Duration) error {
	now := s.nowMillis()
	_, err := s.db.ExecContext(ctx,
		`UPDATE lease SET expires_at = ? WHERE key = ? AND expires_at > ?`,
		now+ttl.Milliseconds(), s.layout.LeaseKey(w), now,
	)
	return unavailable("renew", err)
}

func (s *SQLite) Release(ctx context.Context, w job.Window, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM lease WHERE key = ? AND owner = ? AND expires_at > ?`,
		s.layout.LeaseKey(w), owner, s.nowMillis(),
	)
	if err != nil {
		return false, unavailable("release", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("release", err)
	}
	return n == 1, nil
}

func (s *SQLite) Leased(ctx context.Context, ws []job.Window) (map[job.Key]bool, error) {
	ws = dedupe(ws)
	out := make(map[job.Key]bool, len(ws))
	if len(ws) == 0 {
		return out, nil
	}
	byKey := make(map[string]job.Key, len(ws))
	args := make([]any, 0, len(ws)+1)
	args = append(args, s.nowMillis())
	for _, w := range ws {
		k := s.layout.LeaseKey(w)
		byKey[k] = w.Key()
		out[w.Key()] = false
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM lease WHERE expires_at > ? AND key IN (`+placeholders(len(ws))+`)`, args...)
	if err != nil {
		return nil, unavailable("leased", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, unavailable("leased", err)
		}
		if id, ok := byKey[k]; ok {
			out[id] = true
		}
	}
	return out, unavailable("leased", rows.Err())
}

func (s *SQLite) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lease WHERE expires_at <= ?`, s.nowMillis()); err != nil {
		s.log.Debug("lease prune failed", logx.Err(err))
	}
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func byTask(ws []job.Window) map[string][]job.Window {
	out := map[string][]job.Window{}
	for _, w := range ws {
		out[w.Task] = append(out[w.Task], w)
	}
	return out
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
