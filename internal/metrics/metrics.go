// Package metrics exposes the orchestrator's Prometheus counters and
// gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric the orchestrator and its collaborators
// update during a cycle.
type Registry struct {
	CyclesTotal      prometheus.Counter
	CycleDuration    prometheus.Histogram
	SymbolErrors     *prometheus.CounterVec
	OrdersPlaced     *prometheus.CounterVec
	ReconcileActions *prometheus.CounterVec
	OpenPositions    *prometheus.GaugeVec
	Heartbeat        prometheus.Gauge
}

// NewRegistry builds and registers every metric against reg.
func NewRegistry(reg *prometheus.Registry) *Registry {
	m := &Registry{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trader", Name: "cycles_total", Help: "Completed orchestrator cycles.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "trader", Name: "cycle_duration_seconds", Help: "Wall-clock duration of one cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		SymbolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trader", Name: "symbol_errors_total", Help: "Errors encountered processing a symbol.",
		}, []string{"market", "symbol"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trader", Name: "orders_placed_total", Help: "Orders placed, by market and side.",
		}, []string{"market", "side"}),
		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trader", Name: "reconcile_actions_total", Help: "Periodic reconciler runs; individual corrections are not counted.",
		}, []string{"market", "action"}),
		OpenPositions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trader", Name: "open_positions", Help: "Currently open positions, by market.",
		}, []string{"market"}),
		Heartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trader", Name: "last_heartbeat_unixtime", Help: "Unix timestamp of the last completed cycle.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.CycleDuration, m.SymbolErrors,
		m.OrdersPlaced, m.ReconcileActions, m.OpenPositions, m.Heartbeat,
	)
	return m
}
