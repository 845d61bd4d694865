package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cronguard/internal/dispatch"
	"cronguard/internal/eventbus"
	"cronguard/internal/store"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func windowEvent(t eventbus.Type, task string, d time.Duration, err error) eventbus.Event {
	return eventbus.Event{Type: t, Data: eventbus.WindowEvent{Task: task, Duration: d, Err: err}}
}

func TestExecutionsByOutcome(t *testing.T) {
	c := New()
	c.Observe(windowEvent(eventbus.WindowSucceeded, "report", time.Second, nil))
	c.Observe(windowEvent(eventbus.WindowSucceeded, "report", 2*time.Second, nil))
	c.Observe(windowEvent(eventbus.WindowFailed, "report", 0, assert.AnError))
	c.Observe(windowEvent(eventbus.WindowContended, "report", 0, nil))
	c.Observe(windowEvent(eventbus.WindowSkipped, "sweep", 0, nil))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.executions.WithLabelValues("report", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("report", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("report", "contended")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executions.WithLabelValues("sweep", "already_completed")))
	// the failure had no duration, so only the two successes were observed
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestDropReasons(t *testing.T) {
	c := New()
	c.Observe(windowEvent(eventbus.WindowRejected, "report", 0, dispatch.ErrQueueFull))
	c.Observe(windowEvent(eventbus.WindowRejected, "report", 0, dispatch.ErrStopped))
	c.Observe(windowEvent(eventbus.WindowRejected, "ghost", 0, dispatch.ErrUnknownTask))
	c.Observe(windowEvent(eventbus.WindowDeduped, "report", 0, nil))

	for _, reason := range []string{"queue_full", "stopped", "unknown_task", "deduped"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(c.drops.WithLabelValues(reason)), reason)
	}
}

func TestScanEvents(t *testing.T) {
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.ScanCompleted, Data: eventbus.ScanEvent{Task: "report", Source: "backfill", Candidates: 5, Submitted: 5}})
	c.Observe(eventbus.Event{Type: eventbus.ScanFailed, Data: eventbus.ScanEvent{
		Task: "report", Source: "rescan", Err: store.CheckBatch("completions", 3, 2),
	}})

	assert.Equal(t, 5.0, testutil.ToFloat64(c.scanSubmits.WithLabelValues("report", "backfill")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scans.WithLabelValues("report", "rescan", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.consistency))
}

func TestDispatchGauges(t *testing.T) {
	c := New()
	c.WatchDispatch(func() dispatch.Snapshot {
		return dispatch.Snapshot{InFlightWindows: 3, InFlightSingle: 1, QueueDepth: 2}
	})
	expected := `
# HELP cronguard_dispatch_in_flight_windows Window-bound executions queued or running.
# TYPE cronguard_dispatch_in_flight_windows gauge
cronguard_dispatch_in_flight_windows 3
# HELP cronguard_dispatch_queue_depth Windows waiting for a bounded worker.
# TYPE cronguard_dispatch_queue_depth gauge
cronguard_dispatch_queue_depth 2
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"cronguard_dispatch_in_flight_windows", "cronguard_dispatch_queue_depth"))
}

func TestRunConsumesBus(t *testing.T) {
	c := New()
	bus := eventbus.New()
	c.WatchBus(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		bus.Publish(windowEvent(eventbus.TriggerFired, "report", 0, nil))
		return testutil.ToFloat64(c.triggerFires.WithLabelValues("report")) > 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandlerServesText(t *testing.T) {
	c := New()
	c.Observe(windowEvent(eventbus.WindowSucceeded, "report", time.Second, nil))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `cronguard_executions_total{outcome="succeeded",task="report"} 1`)
}
