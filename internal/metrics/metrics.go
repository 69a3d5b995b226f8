// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "swap_coordinator"

// Metrics groups the collectors on a dedicated registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Alerts       *prometheus.CounterVec
	ActiveSwaps  *prometheus.GaugeVec
	StepDuration *prometheus.HistogramVec

	Registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Swap phase transitions.",
		}, []string{"from", "to"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried chain operations after a transport failure.",
		}, []string{"op"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts raised.",
		}, []string{"severity", "kind"}),
		ActiveSwaps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_swaps",
			Help:      "Active swaps by phase, as seen by the last recovery sweep.",
		}, []string{"phase"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of one coordinator step by starting phase.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"phase"}),
		Registry: prometheus.NewRegistry(),
	}

	m.Registry.MustRegister(
		m.Transitions,
		m.Retries,
		m.Alerts,
		m.ActiveSwaps,
		m.StepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveAlert(severity, kind string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(severity, kind).Inc()
}

func (m *Metrics) ObserveStep(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetActive replaces the active swap gauge with counts per phase.
func (m *Metrics) SetActive(counts map[string]int) {
	if m == nil {
		return
	}
	m.ActiveSwaps.Reset()
	for phase, n := range counts {
		m.ActiveSwaps.WithLabelValues(phase).Set(float64(n))
	}
}
