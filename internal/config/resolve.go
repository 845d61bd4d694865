package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"cronguard/internal/guard"
	"cronguard/internal/job"
	"cronguard/internal/trigger"
	logx "cronguard/pkg/logx"
)

const (
	DefaultOpsAddr         = "127.0.0.1:9464"
	DefaultShutdownTimeout = 30 * time.Second
)

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}
	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		errs = append(errs, errors.New("logging.file.path: required when file logging is enabled"))
	}
	if cfg.Logging.MaxLinesPerSec < 0 {
		errs = append(errs, errors.New("logging.max_lines_per_sec: must be >= 0"))
	}

	errs = append(errs, validateStore(cfg.Store)...)

	if _, _, err := cfg.LeaseTimings(); err != nil {
		errs = append(errs, err)
	}

	if cfg.Dispatch.Workers < 0 || cfg.Dispatch.QueueSize < 0 {
		errs = append(errs, errors.New("dispatch: workers and queue_size must be >= 0"))
	}
	if _, err := ParseDurationField("dispatch.unbound_idle", cfg.Dispatch.UnboundIdle); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("dispatch.shutdown_timeout", cfg.Dispatch.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.Scan.SubmitRate < 0 || cfg.Scan.SubmitBurst < 0 {
		errs = append(errs, errors.New("scan: submit_rate and submit_burst must be >= 0"))
	}

	errs = append(errs, validateOps(cfg.Ops)...)

	seen := make(map[string]struct{}, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		if _, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate task name %q", i, t.Name))
			continue
		}
		seen[t.Name] = struct{}{}
		def, err := t.Definition()
		if err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
			continue
		}
		if err := trigger.Validate(def); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
		if err := validateAction(t.Name, t.Action); err != nil {
			errs = append(errs, fmt.Errorf("tasks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func validateStore(s StoreConfig) []error {
	var errs []error
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			errs = append(errs, errors.New("store.path: required for sqlite"))
		}
	case "nats", "jetstream":
		if strings.TrimSpace(s.URL) == "" {
			errs = append(errs, errors.New("store.url: required for nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", s.Driver))
	}
	if _, err := ParseDurationField("store.busy_timeout", s.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if s.Replicas < 0 {
		errs = append(errs, errors.New("store.replicas: must be >= 0"))
	}
	return errs
}

func validateOps(o OpsConfig) []error {
	if !o.Enabled {
		return nil
	}
	var errs []error
	addr := o.Addr
	if strings.TrimSpace(addr) == "" {
		addr = DefaultOpsAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		errs = append(errs, fmt.Errorf("ops.addr: %w", err))
	} else if !IsLoopbackAddr(addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		errs = append(errs, fmt.Errorf("ops.addr: refusing non-loopback bind %q without token (set ops.token or ops.allow_insecure)", addr))
	}
	if o.GRPCAddr != "" {
		if _, _, err := net.SplitHostPort(o.GRPCAddr); err != nil {
			errs = append(errs, fmt.Errorf("ops.grpc_addr: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"ops.read_timeout":  o.ReadTimeout,
		"ops.write_timeout": o.WriteTimeout,
		"ops.idle_timeout":  o.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func validateAction(task string, a ActionConfig) error {
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "", "log":
		return nil
	case "exec":
		if len(a.Command) == 0 || strings.TrimSpace(a.Command[0]) == "" {
			return fmt.Errorf("task %s: action.command required for exec", task)
		}
		_, err := ParseDurationField("action.timeout", a.Timeout)
		return err
	default:
		return fmt.Errorf("task %s: unknown action type %q", task, a.Type)
	}
}

// Location resolves node.timezone. Empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Node.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("node.timezone: %w", err)
	}
	return loc, nil
}

// LeaseTimings returns the lease TTL and heartbeat with defaults applied.
func (c *Config) LeaseTimings() (ttl, heartbeat time.Duration, err error) {
	ttl, err = ParseDurationOrDefault("lease.ttl", c.Lease.TTL, guard.DefaultLeaseTTL)
	if err != nil {
		return 0, 0, err
	}
	heartbeat, err = ParseDurationOrDefault("lease.heartbeat", c.Lease.Heartbeat, guard.DefaultHeartbeat)
	if err != nil {
		return 0, 0, err
	}
	if ttl < 2*heartbeat {
		return 0, 0, fmt.Errorf("lease.ttl (%s) must be at least twice lease.heartbeat (%s)", ttl, heartbeat)
	}
	return ttl, heartbeat, nil
}

// Definition converts t into a validated task definition.
func (t TaskConfig) Definition() (job.Definition, error) {
	unit, err := job.ParseUnit(t.Unit)
	if err != nil {
		var ce *job.ConfigurationError
		if errors.As(err, &ce) {
			ce.Task = t.Name
		}
		return job.Definition{}, err
	}
	rescan, err := ParseDurationField("rescan_interval", t.RescanInterval)
	if err != nil {
		return job.Definition{}, &job.ConfigurationError{Task: t.Name, Field: "rescan_interval", Reason: err.Error()}
	}
	def := job.Definition{
		Name:           strings.TrimSpace(t.Name),
		Enabled:        t.Enabled,
		AlwaysSucceeds: t.AlwaysSucceeds,
		Singleton:      t.Singleton,
		Unit:           unit,
		Interval:       t.Interval,
		BacktraceHours: t.BacktraceHours,
		StartRule:      t.StartRule,
		BacktraceScan:  t.BacktraceScan,
		Rescan:         t.Rescan,
		RescanInterval: rescan,
		Schedule:       strings.TrimSpace(t.Schedule),
	}
	if err := def.Validate(); err != nil {
		return job.Definition{}, err
	}
	return def, nil
}

// IsLoopbackAddr reports whether addr binds only to a loopback interface.
// An empty host ("":9464) binds all interfaces and is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(strings.Trim(host, "[]"))
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Logx converts the logging section for logx.New and Service.Apply.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:          l.Level,
		Console:        l.Console,
		JSON:           l.JSON,
		File:           logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		MaxLinesPerSec: l.MaxLinesPerSec,
	}
}

// UnboundIdleTimeout is dispatch.unbound_idle; 0 lets dispatch pick its default.
func (d DispatchConfig) UnboundIdleTimeout() time.Duration { return mustDuration(d.UnboundIdle, 0) }

func (d DispatchConfig) ShutdownWait() time.Duration {
	return mustDuration(d.ShutdownTimeout, DefaultShutdownTimeout)
}

func (s StoreConfig) BusyWait() time.Duration { return mustDuration(s.BusyTimeout, 0) }

// ListenAddr is ops.addr with the default applied.
func (o OpsConfig) ListenAddr() string {
	if a := strings.TrimSpace(o.Addr); a != "" {
		return a
	}
	return DefaultOpsAddr
}

// ServerTimeouts returns read, write and idle timeouts. Write defaults to 0
// (disabled) so pprof profiles longer than any fixed timeout still work.
func (o OpsConfig) ServerTimeouts() (read, write, idle time.Duration) {
	return mustDuration(o.ReadTimeout, 10*time.Second),
		mustDuration(o.WriteTimeout, 0),
		mustDuration(o.IdleTimeout, 60*time.Second)
}
