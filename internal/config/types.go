package config

type Config struct {
	Node     NodeConfig     `json:"node"`
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`
	Lease    LeaseConfig    `json:"lease"`
	Dispatch DispatchConfig `json:"dispatch"`
	Scan     ScanConfig     `json:"scan"`
	Ops      OpsConfig      `json:"ops"`
	Tasks    []TaskConfig   `json:"tasks"`
}

// NodeConfig identifies this process within the cluster.
type NodeConfig struct {
	// ID is the lease owner identity. Empty means hostname plus the ops port
	// (or pid when ops is disabled).
	ID string `json:"id,omitempty"`
	// Timezone for window boundaries and cron triggers. Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level          string      `json:"level"`
	Console        bool        `json:"console"`
	JSON           bool        `json:"json,omitempty"`
	File           LoggingFile `json:"file"`
	MaxLinesPerSec int         `json:"max_lines_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the shared state backend.
//
// Example:
//
//	store: { driver: sqlite, path: ./cronguard.db }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	URL          string `json:"url,omitempty"` // nats
	BucketPrefix string `json:"bucket_prefix,omitempty"`
	Replicas     int    `json:"replicas,omitempty"`

	LockPrefix   string `json:"lock_prefix,omitempty"`   // default: JobLock
	StatusPrefix string `json:"status_prefix,omitempty"` // default: JobProcessStatusList
}

// LeaseConfig sizes execution leases. TTL must be at least twice Heartbeat.
type LeaseConfig struct {
	TTL       string `json:"ttl,omitempty"`       // default: 60s
	Heartbeat string `json:"heartbeat,omitempty"` // default: 20s
}

type DispatchConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	UnboundIdle string `json:"unbound_idle,omitempty"`
	// ShutdownTimeout bounds how long Stop waits for running executions.
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type ScanConfig struct {
	// SubmitRate paces backfill and rescan submissions per second. 0 disables.
	SubmitRate  float64 `json:"submit_rate,omitempty"`
	SubmitBurst int     `json:"submit_burst,omitempty"`
}

// OpsConfig controls the operational HTTP and gRPC health servers.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// GRPCAddr enables the grpc.health.v1 service when set.
	GRPCAddr string `json:"grpc_addr,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TaskConfig is one task definition plus the built-in action that runs it.
type TaskConfig struct {
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	AlwaysSucceeds bool   `json:"always_succeeds,omitempty"`
	Singleton      bool   `json:"singleton,omitempty"`

	Unit      string `json:"unit,omitempty"` // minute | hour
	Interval  int    `json:"interval"`
	StartRule int    `json:"start_rule,omitempty"`

	BacktraceScan  bool `json:"backtrace_scan,omitempty"`
	BacktraceHours int  `json:"backtrace_hours,omitempty"`

	Rescan         bool   `json:"rescan,omitempty"`
	RescanInterval string `json:"rescan_interval,omitempty"`

	// Schedule overrides the derived trigger (cron, duration or HH:MM).
	Schedule string `json:"schedule,omitempty"`

	Action ActionConfig `json:"action"`
}

// ActionConfig selects a built-in task action.
//
//	action: { type: exec, command: ["/usr/local/bin/report", "--fast"], timeout: 5m }
type ActionConfig struct {
	Type    string            `json:"type"` // log | exec
	Command []string          `json:"command,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}
