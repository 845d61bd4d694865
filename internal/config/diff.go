package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cronguard/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logging.max_lines_per_sec", newCfg.Logging.MaxLinesPerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Node, newCfg.Node) {
		changed = append(changed, "node")
		attrs = append(attrs,
			logx.String("node.id", newCfg.Node.ID),
			logx.String("node.timezone", newCfg.Node.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)))
	}
	if !reflect.DeepEqual(oldCfg.Lease, newCfg.Lease) {
		changed = append(changed, "lease")
		attrs = append(attrs,
			logx.String("lease.ttl", newCfg.Lease.TTL),
			logx.String("lease.heartbeat", newCfg.Lease.Heartbeat),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scan, newCfg.Scan) {
		changed = append(changed, "scan")
	}

	// Ops (never log token)
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	tokenChanged := oOps.Token != nOps.Token
	oOps.Token, nOps.Token = "", ""
	if tokenChanged || !reflect.DeepEqual(oOps, nOps) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nOps.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}

	if tasks := diffTasks(oldCfg.Tasks, newCfg.Tasks); len(tasks) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs, logx.Strings("tasks.changed", tasks))
	}

	restart := make([]string, 0, len(changed))
	for _, s := range changed {
		if s != "logging" {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func diffTasks(oldT, newT []TaskConfig) []string {
	index := func(ts []TaskConfig) map[string]TaskConfig {
		m := make(map[string]TaskConfig, len(ts))
		for _, t := range ts {
			m[t.Name] = t
		}
		return m
	}
	om, nm := index(oldT), index(newT)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := om[name]
		n, okN := nm[name]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
