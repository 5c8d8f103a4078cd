package migrate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps Prometheus instrumentation for the migration engine. It owns
// its registry so embedders can expose it wherever their metrics endpoint
// lives.
type Metrics struct {
	registry *prometheus.Registry

	Runs       *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Statements *prometheus.CounterVec
}

// NewMetrics creates a Metrics with its own Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoschema",
			Name:      "migration_runs_total",
			Help:      "Migration runs by owner key and result.",
		}, []string{"owner", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autoschema",
			Name:      "migration_duration_seconds",
			Help:      "Wall-clock duration of migration runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"owner"}),
		Statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autoschema",
			Name:      "migration_statements_total",
			Help:      "DDL statements executed by owner key.",
		}, []string{"owner"}),
	}

	reg.MustRegister(m.Runs, m.Duration, m.Statements)
	return m
}

// Registry returns the collector's registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observeRun(owner, result string, d time.Duration, statements int) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(owner, result).Inc()
	m.Duration.WithLabelValues(owner).Observe(d.Seconds())
	if statements > 0 {
		m.Statements.WithLabelValues(owner).Add(float64(statements))
	}
}
