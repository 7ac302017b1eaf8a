package refresh

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK      = "ok"
	resultInvalid = "invalid"
	resultError   = "error"
)

// Metrics holds the orchestrator's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Rebuilds     *prometheus.CounterVec
	Removals     prometheus.Counter
	Instances    prometheus.Counter
	Passes       *prometheus.CounterVec
	PassDuration prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	rebuilds := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Per-event instance rebuilds by result",
		},
		[]string{"result"},
	)

	removals := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removals_total",
			Help:      "Events whose instances were purged",
		},
	)

	materialized := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_materialized_total",
			Help:      "Instances written by rebuilds",
		},
	)

	passes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_passes_total",
			Help:      "Full refresh passes by result",
		},
		[]string{"result"},
	)

	passDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_pass_duration_seconds",
			Help:      "Wall-clock duration of full refresh passes",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	registry.MustRegister(rebuilds, removals, materialized, passes, passDuration)

	return &Metrics{
		registry:     registry,
		Rebuilds:     rebuilds,
		Removals:     removals,
		Instances:    materialized,
		Passes:       passes,
		PassDuration: passDuration,
	}
}

// Registry returns the registry the collectors live on, for /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) rebuild(result string) {
	if m == nil {
		return
	}
	m.Rebuilds.WithLabelValues(result).Inc()
}

func (m *Metrics) removal() {
	if m == nil {
		return
	}
	m.Removals.Inc()
}

func (m *Metrics) materialized(n int) {
	if m == nil {
		return
	}
	m.Instances.Add(float64(n))
}

func (m *Metrics) pass(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := resultOK
	if !ok {
		result = "interrupted"
	}
	m.Passes.WithLabelValues(result).Inc()
	m.PassDuration.Observe(d.Seconds())
}
