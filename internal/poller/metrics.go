package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the self-instrumentation of the collection strategies.
type Metrics struct {
	strategyRuns     *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	jobDuration      *prometheus.HistogramVec
	poolTimeouts     prometheus.Counter
	connectorSkips   *prometheus.CounterVec
	monitors         *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		strategyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "strategy_runs_total",
			Help:      "Strategy runs by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		strategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collector",
			Name:      "strategy_duration_seconds",
			Help:      "Duration of strategy runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"strategy"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collector",
			Name:      "job_duration_seconds",
			Help:      "Duration of monitor jobs by connector, monitor type and job.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"connector", "monitor_type", "job"}),
		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "job_pool_timeouts_total",
			Help:      "Collects that stopped waiting for their monitor jobs.",
		}),
		connectorSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "connector_skips_total",
			Help:      "Collects skipped because the connector no longer matches the host.",
		}, []string{"connector"}),
		monitors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "collector",
			Name:      "monitors",
			Help:      "Known monitors by type.",
		}, []string{"monitor_type"}),
	}
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.strategyRuns,
		m.strategyDuration,
		m.jobDuration,
		m.poolTimeouts,
		m.connectorSkips,
		m.monitors,
	}
}
