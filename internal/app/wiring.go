package app

import (
	"cronguard/internal/config"
	"cronguard/internal/dispatch"
	"cronguard/internal/ops"
	"cronguard/internal/scanner"
	"cronguard/internal/store"
)

// StoreConfig maps the store and lease sections onto store.Open options.
func StoreConfig(cfg *config.Config) store.Config {
	ttl, _, _ := cfg.LeaseTimings()
	return store.Config{
		Driver:       cfg.Store.Driver,
		Path:         cfg.Store.Path,
		BusyTimeout:  cfg.Store.BusyWait(),
		URL:          cfg.Store.URL,
		BucketPrefix: cfg.Store.BucketPrefix,
		Replicas:     cfg.Store.Replicas,
		LeaseTTL:     ttl,
		Layout: store.Layout{
			LockPrefix:   cfg.Store.LockPrefix,
			StatusPrefix: cfg.Store.StatusPrefix,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) dispatch.Config {
	return dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		UnboundIdle: cfg.Dispatch.UnboundIdleTimeout(),
	}
}

func mapScanConfig(cfg *config.Config) scanner.Config {
	return scanner.Config{SubmitRate: cfg.Scan.SubmitRate, SubmitBurst: cfg.Scan.SubmitBurst}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	read, write, idle := cfg.Ops.ServerTimeouts()
	return ops.Config{
		Addr:          cfg.Ops.ListenAddr(),
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
		Pprof:         cfg.Ops.Pprof,
		GRPCAddr:      cfg.Ops.GRPCAddr,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}
}
