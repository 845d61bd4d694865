// Package metrics turns execution events into Prometheus metrics.
//
// Counters are fed from the event bus; gauges read the dispatcher snapshot at
// scrape time. Everything lives on a private registry so tests and embedding
// programs never collide on the default one.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"cronguard/internal/dispatch"
	"cronguard/internal/eventbus"
	"cronguard/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cronguard"

type Collector struct {
	reg *prometheus.Registry

	executions   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	drops        *prometheus.CounterVec
	renewFailed  *prometheus.CounterVec
	scans        *prometheus.CounterVec
	scanSubmits  *prometheus.CounterVec
	consistency  prometheus.Counter
	triggerFires *prometheus.CounterVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Guarded executions by task and outcome.",
		}, []string{"task", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of task callables.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"task"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dropped_total",
			Help:      "Submissions not executed, by reason.",
		}, []string{"reason"}),
		renewFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_renew_failures_total",
			Help:      "Heartbeat renewals that failed.",
		}, []string{"task"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_cycles_total",
			Help:      "Backfill and rescan cycles by result.",
		}, []string{"task", "source", "result"}),
		scanSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_submitted_total",
			Help:      "Windows submitted by backfill and rescan.",
		}, []string{"task", "source"}),
		consistency: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_consistency_errors_total",
			Help:      "Batched store reads that returned the wrong number of entries.",
		}),
		triggerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_fired_total",
			Help:      "Trigger firings by task.",
		}, []string{"task"}),
	}
	c.reg.MustRegister(
		c.executions, c.duration, c.drops, c.renewFailed,
		c.scans, c.scanSubmits, c.consistency, c.triggerFires,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the private registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// WatchDispatch exports in-flight and queue gauges read from snap at scrape
// time. Call it once.
func (c *Collector) WatchDispatch(snap func() dispatch.Snapshot) {
	gauge := func(name, help string, pick func(dispatch.Snapshot) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(snap())) })
	}
	c.reg.MustRegister(
		gauge("in_flight_windows", "Window-bound executions queued or running.", func(s dispatch.Snapshot) int { return s.InFlightWindows }),
		gauge("in_flight_singletons", "Singleton executions running.", func(s dispatch.Snapshot) int { return s.InFlightSingle }),
		gauge("queue_depth", "Windows waiting for a bounded worker.", func(s dispatch.Snapshot) int { return s.QueueDepth }),
		gauge("busy_workers", "Bounded workers executing a window.", func(s dispatch.Snapshot) int { return s.BusyWorkers }),
		gauge("elastic_workers", "Live elastic workers.", func(s dispatch.Snapshot) int { return s.ElasticWorkers }),
	)
}

// WatchBus exports the bus drop counter.
func (c *Collector) WatchBus(bus eventbus.Bus) {
	c.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events lost to slow subscribers.",
	}, func() float64 { return float64(bus.Dropped()) }))
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

// Observe applies one event.
func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.WindowEvent:
		c.observeWindow(e.Type, d)
	case eventbus.ScanEvent:
		c.observeScan(e.Type, d)
	}
}

func (c *Collector) observeWindow(t eventbus.Type, d eventbus.WindowEvent) {
	switch t {
	case eventbus.WindowSucceeded:
		c.executions.WithLabelValues(d.Task, "succeeded").Inc()
		c.duration.WithLabelValues(d.Task).Observe(d.Duration.Seconds())
	case eventbus.WindowFailed:
		c.executions.WithLabelValues(d.Task, "failed").Inc()
		if d.Duration > 0 {
			c.duration.WithLabelValues(d.Task).Observe(d.Duration.Seconds())
		}
	case eventbus.WindowContended:
		c.executions.WithLabelValues(d.Task, "contended").Inc()
	case eventbus.WindowSkipped:
		c.executions.WithLabelValues(d.Task, "already_completed").Inc()
	case eventbus.WindowDeduped:
		c.drops.WithLabelValues("deduped").Inc()
	case eventbus.WindowRejected:
		c.drops.WithLabelValues(dropReason(d.Err)).Inc()
	case eventbus.LeaseRenewFailed:
		c.renewFailed.WithLabelValues(d.Task).Inc()
	case eventbus.TriggerFired:
		c.triggerFires.WithLabelValues(d.Task).Inc()
	}
}

func (c *Collector) observeScan(t eventbus.Type, d eventbus.ScanEvent) {
	result := "ok"
	if t == eventbus.ScanFailed {
		result = "failed"
		if store.IsConsistency(d.Err) {
			c.consistency.Inc()
		}
	}
	c.scans.WithLabelValues(d.Task, d.Source, result).Inc()
	if d.Submitted > 0 {
		c.scanSubmits.WithLabelValues(d.Task, d.Source).Add(float64(d.Submitted))
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, dispatch.ErrStopped):
		return "stopped"
	case errors.Is(err, dispatch.ErrUnknownTask):
		return "unknown_task"
	default:
		return "other"
	}
}
