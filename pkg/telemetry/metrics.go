package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the process-wide Prometheus collectors.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	ConsumerLag     *prometheus.GaugeVec
	DecisionTotal   *prometheus.CounterVec
	QScoreDuration  prometheus.Histogram
	ReaperSweeps    prometheus.Counter
	ReaperExpired   prometheus.Counter
	DLQTotal        *prometheus.CounterVec
	IdempotencyHits *prometheus.CounterVec
}

// NewMetrics registers and returns the orchestrator's collector set on reg.
// Pass prometheus.NewRegistry() for tests to avoid global-registry
// collisions across parallel test packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cmo",
			Name:      "queue_depth",
			Help:      "Approximate number of pending entries per stream.",
		}, []string{"topic"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cmo",
			Name:      "consumer_pending",
			Help:      "Messages delivered but not yet acked per consumer group.",
		}, []string{"topic", "group"}),
		DecisionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmo",
			Name:      "decisions_total",
			Help:      "Decisions made by the decision engine, by outcome.",
		}, []string{"decision"}),
		QScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cmo",
			Name:      "qscore_duration_seconds",
			Help:      "Wall time spent computing a QScore.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}),
		ReaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cmo",
			Name:      "reaper_sweeps_total",
			Help:      "Number of reaper ticks executed.",
		}),
		ReaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cmo",
			Name:      "reaper_expired_total",
			Help:      "Agents marked UNAVAILABLE by the reaper.",
		}),
		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmo",
			Name:      "dlq_total",
			Help:      "Envelopes routed to a dead-letter stream, by reason.",
		}, []string{"topic", "reason"}),
		IdempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cmo",
			Name:      "idempotency_hits_total",
			Help:      "Idempotency guard outcomes, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.QueueDepth,
			m.ConsumerLag,
			m.DecisionTotal,
			m.QScoreDuration,
			m.ReaperSweeps,
			m.ReaperExpired,
			m.DLQTotal,
			m.IdempotencyHits,
		)
	}
	return m
}
