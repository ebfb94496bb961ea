package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports bus traffic as Prometheus series.
type Metrics struct {
	executions   *prometheus.CounterVec
	nodes        *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	quotaAlerts  *prometheus.CounterVec
	usage        *prometheus.CounterVec
}

// NewMetrics registers the engine's metric families on reg and returns a
// handler to subscribe on the bus.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Workflow executions by terminal status.",
		}, []string{"status"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_nodes_total",
			Help: "Node executions by connector and terminal status.",
		}, []string{"connector", "status", "error_kind"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_node_duration_seconds",
			Help:    "Node execution wall time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"connector"}),
		quotaAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_quota_alerts_total",
			Help: "Quota threshold alerts emitted.",
		}, []string{"quota_type"}),
		usage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_usage_total",
			Help: "Metered usage by counter name.",
		}, []string{"counter"}),
	}
	reg.MustRegister(m.executions, m.nodes, m.nodeDuration, m.quotaAlerts, m.usage)
	return m
}

// Handle implements the bus subscriber.
func (m *Metrics) Handle(e Event) {
	switch e.Type {
	case ExecutionFinished:
		m.executions.WithLabelValues(e.Status).Inc()
	case NodeFinished:
		m.nodes.WithLabelValues(e.Connector, e.Status, e.ErrorKind).Inc()
		m.nodeDuration.WithLabelValues(e.Connector).Observe(e.Duration.Seconds())
	case QuotaAlert:
		qt, _ := e.Detail["quotaType"].(string)
		m.quotaAlerts.WithLabelValues(qt).Inc()
	case UsageRecorded:
		for name, v := range e.Counters {
			m.usage.WithLabelValues(name).Add(float64(v))
		}
	}
}
