package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cronguard/internal/job"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
node:
  id: node-a:9464
  timezone: UTC
logging:
  level: info
  console: true
store:
  driver: sqlite
  path: ./cronguard.db
lease:
  ttl: 60s
  heartbeat: 20s
dispatch:
  workers: 4
  queue_size: 64
scan:
  submit_rate: 50
tasks:
  - name: report
    enabled: true
    unit: minute
    interval: 15
    backtrace_scan: true
    backtrace_hours: 2
    rescan: true
    rescan_interval: 5m
    action:
      type: exec
      command: ["/bin/true"]
  - name: sweep
    enabled: true
    singleton: true
    interval: 1
    action: { type: log }
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "cronguard.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	assert.Equal(t, "node-a:9464", cfg.Node.ID)
	require.Len(t, cfg.Tasks, 2)

	def, err := cfg.Tasks[0].Definition()
	require.NoError(t, err)
	assert.Equal(t, job.UnitMinute, def.Unit)
	assert.Equal(t, 15*time.Minute, def.WindowDuration())
	assert.Equal(t, 5*time.Minute, def.RescanInterval)

	ttl, hb, err := cfg.LeaseTimings()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, 20*time.Second, hb)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.yaml", []byte("store: { driver: memory, colour: blue }\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")

	_, err = Decode("c.json", []byte(`{"node":{}} {"node":{}}`))
	assert.Error(t, err)
}

func TestDecodeSniffsJSON(t *testing.T) {
	cfg, err := Decode("cronguard.conf", []byte(`{"store":{"driver":"memory"}}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	ok := func() *Config {
		return &Config{Tasks: []TaskConfig{{Name: "a", Enabled: true, Interval: 5}}}
	}
	require.NoError(t, Validate(ok()))

	cases := map[string]func(c *Config){
		"lease margin":     func(c *Config) { c.Lease = LeaseConfig{TTL: "30s", Heartbeat: "20s"} },
		"bad timezone":     func(c *Config) { c.Node.Timezone = "Mars/Olympus" },
		"bad level":        func(c *Config) { c.Logging.Level = "loud" },
		"sqlite no path":   func(c *Config) { c.Store.Driver = "sqlite" },
		"nats no url":      func(c *Config) { c.Store.Driver = "nats" },
		"unknown driver":   func(c *Config) { c.Store.Driver = "etcd" },
		"duplicate task":   func(c *Config) { c.Tasks = append(c.Tasks, c.Tasks[0]) },
		"zero interval":    func(c *Config) { c.Tasks[0].Interval = 0 },
		"bad start rule":   func(c *Config) { c.Tasks[0].Unit = "hour"; c.Tasks[0].StartRule = 24 },
		"bad schedule":     func(c *Config) { c.Tasks[0].Schedule = "99 * * * *" },
		"exec no command":  func(c *Config) { c.Tasks[0].Action.Type = "exec" },
		"unknown action":   func(c *Config) { c.Tasks[0].Action.Type = "email" },
		"public ops":       func(c *Config) { c.Ops = OpsConfig{Enabled: true, Addr: "0.0.0.0:9464"} },
		"backfill horizon": func(c *Config) { c.Tasks[0].BacktraceScan = true },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := ok()
			mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestPublicOpsAllowedWithToken(t *testing.T) {
	c := &Config{Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9464", Token: "s3cret"}}
	assert.NoError(t, Validate(c))
	c.Ops.Token = ""
	c.Ops.AllowInsecure = true
	assert.NoError(t, Validate(c))
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, IsLoopbackAddr("127.0.0.1:9464"))
	assert.True(t, IsLoopbackAddr("[::1]:9464"))
	assert.True(t, IsLoopbackAddr("localhost:9464"))
	assert.False(t, IsLoopbackAddr(":9464"))
	assert.False(t, IsLoopbackAddr("10.0.0.1:9464"))
	assert.False(t, IsLoopbackAddr("garbage"))
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Ops: OpsConfig{Token: "a"}}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Ops:     OpsConfig{Token: "b"},
		Tasks:   []TaskConfig{{Name: "report", Interval: 15}},
	}
	changed, attrs, restart := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "ops", "tasks"}, changed)
	assert.Equal(t, []string{"ops", "tasks"}, restart)
	assert.NotEmpty(t, attrs)

	changed, _, restart = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, changed)
	assert.Empty(t, restart)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "c.yaml", "logging: { level: info }\n")
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload()
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte("logging: { level: debug }\n"), 0o600))
	published, err = m.Reload()
	require.NoError(t, err)
	assert.True(t, published)
	assert.Equal(t, "debug", (<-ch).Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging: { level: shouting }\n"), 0o600))
	_, err = m.Reload()
	assert.Error(t, err)
	assert.Equal(t, "debug", m.Get().Logging.Level)
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "c.yaml", "logging: { level: info }\n")
	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging: { level: warn }\n"), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published after edit")
	}
}
