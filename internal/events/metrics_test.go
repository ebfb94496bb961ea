package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHandle(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Handle(Event{Type: ExecutionFinished, Status: "succeeded"})
	m.Handle(Event{Type: ExecutionFinished, Status: "succeeded"})
	m.Handle(Event{Type: ExecutionFinished, Status: "failed"})
	m.Handle(Event{Type: NodeFinished, Connector: "slack", Status: "failed",
		ErrorKind: "rate_limited", Duration: 120 * time.Millisecond})
	m.Handle(Event{Type: QuotaAlert, Detail: map[string]any{"quotaType": "workflow_runs"}})
	m.Handle(Event{Type: UsageRecorded, Counters: map[string]int64{"api_calls": 3, "workflow_runs": 1}})
	// Start events carry no terminal status and stay out of the counters.
	m.Handle(Event{Type: ExecutionStarted})

	if got := testutil.ToFloat64(m.executions.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("succeeded executions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.executions.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.nodes.WithLabelValues("slack", "failed", "rate_limited")); got != 1 {
		t.Errorf("slack failed nodes = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.nodeDuration); got != 1 {
		t.Errorf("node duration series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.quotaAlerts.WithLabelValues("workflow_runs")); got != 1 {
		t.Errorf("quota alerts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.usage.WithLabelValues("api_calls")); got != 3 {
		t.Errorf("api_calls usage = %v, want 3", got)
	}
}

func TestMetricsSubscribedToBus(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	b := NewBus(slog.New(slog.DiscardHandler))
	b.Subscribe(m.Handle)

	b.Publish(Event{Type: ExecutionFinished, Status: "timed-out"})

	if got := testutil.ToFloat64(m.executions.WithLabelValues("timed-out")); got != 1 {
		t.Errorf("timed-out executions = %v, want 1", got)
	}
}
