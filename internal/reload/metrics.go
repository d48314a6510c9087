package reload

import (
	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "apphost"

// Metrics records reload attempts as Prometheus metrics.
type Metrics struct {
	reloads    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inProgress *prometheus.GaugeVec
}

// NewMetrics creates the reload metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: subsystem,
				Name:      "reloads_total",
				Help:      "Count of finished application reloads by strategy and outcome.",
			},
			[]string{"app", "strategy", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: subsystem,
				Name:      "reload_duration_seconds",
				Help:      "Time from reload dispatch until the application serves from its reloaded context.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"app", "strategy"},
		),
		inProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Subsystem: subsystem,
				Name:      "reloads_in_progress",
				Help:      "Number of reloads currently in flight.",
			},
			[]string{"app"},
		),
	}
	reg.MustRegister(m.reloads, m.duration, m.inProgress)
	return m
}

func (m *Metrics) ReloadStarted(app, _ string) {
	m.inProgress.WithLabelValues(app).Inc()
}

func (m *Metrics) ReloadFinished(r Result) {
	m.inProgress.WithLabelValues(r.App).Dec()
	m.reloads.WithLabelValues(r.App, r.Strategy, r.Outcome()).Inc()
	m.duration.WithLabelValues(r.App, r.Strategy).Observe(r.Duration.Seconds())
}
