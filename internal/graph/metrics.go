package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relgraph"

// Metrics holds the collectors reported by the dual-write path and the reconciler.
type Metrics struct {
	GraphWriteFailures    *prometheus.CounterVec
	Compensations         *prometheus.CounterVec
	ConsistencyViolations prometheus.Counter
	ReadPath              *prometheus.CounterVec
	GapsRecorded          prometheus.Counter
	GapsHealed            prometheus.Counter
	GapsOutstanding       prometheus.Gauge
	BackendLatency        *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry, which keeps the collectors usable but unexported.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		GraphWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "graph_write_failures_total",
			Help:      "Graph store writes that failed after the relational write committed",
		}, []string{"op"}),
		Compensations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compensations_total",
			Help:      "Strict-mode reversals of relational writes, by outcome",
		}, []string{"op", "outcome"}),
		ConsistencyViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consistency_violations_total",
			Help:      "Strict-mode failures where compensation failed too",
		}),
		ReadPath: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reads_total",
			Help:      "Reads by operation and the backend that served them",
		}, []string{"op", "path"}),
		GapsRecorded: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_gaps_recorded_total",
			Help:      "Edges recorded in the graph sync gap ledger",
		}),
		GapsHealed: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sync_gaps_healed_total",
			Help:      "Gap ledger entries repaired by the reconciler",
		}),
		GapsOutstanding: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sync_gaps_outstanding",
			Help:      "Gap ledger size observed at the last reconcile pass",
		}),
		BackendLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Latency of individual backend calls",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"backend", "op"}),
	}
}
