package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics defines our Prometheus metrics
type Metrics struct {
	RelayedLines   *prometheus.CounterVec
	RelayDuration  *prometheus.HistogramVec
	BackendUpGauge *prometheus.GaugeVec
	BorrowRetries  prometheus.Counter
	PoolIdleGauge  *prometheus.GaugeVec
	RebalanceMoves prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RelayedLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrelay_relayed_lines_total",
			Help: "Lines forwarded to a backend, by backend and outcome.",
		}, []string{"backend", "outcome"}),
		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metrelay_relay_duration_seconds",
			Help:    "Time spent forwarding one line, including pool borrow.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
		BackendUpGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metrelay_backend_up",
			Help: "1 if the backend passed its last health check.",
		}, []string{"backend"}),
		BorrowRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrelay_pool_borrow_retries_total",
			Help: "Failed pool borrows that triggered a retry sleep.",
		}),
		PoolIdleGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "metrelay_pool_idle_clients",
			Help: "Idle pooled clients per backend.",
		}, []string{"backend"}),
		RebalanceMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metrelay_rebalance_moves_total",
			Help: "Metric pins moved by the incremental rebalancer.",
		}),
	}

	reg.MustRegister(
		m.RelayedLines,
		m.RelayDuration,
		m.BackendUpGauge,
		m.BorrowRetries,
		m.PoolIdleGauge,
		m.RebalanceMoves,
	)

	return m
}
