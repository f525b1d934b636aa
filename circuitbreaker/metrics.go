/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector is an interface for collecting circuit breaker metrics.
type MetricsCollector interface {
	// StateChanged is called on every state transition.
	StateChanged(name string, from, to State)
}

// PrometheusMetricsCollector is a Prometheus metrics collector.
type PrometheusMetricsCollector struct {
	// CurrentState is a gauge with the current breaker state
	// (0 - closed, 1 - open, 2 - half-open).
	CurrentState *prometheus.GaugeVec

	// Transitions is a counter of breaker state transitions.
	Transitions *prometheus.CounterVec
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		CurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of the circuit breaker (0 - closed, 1 - open, 2 - half-open).",
		}, []string{"name"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),
	}
}

// MustRegister registers the Prometheus metrics.
func (p *PrometheusMetricsCollector) MustRegister() {
	prometheus.MustRegister(p.CurrentState, p.Transitions)
}

// Unregister the Prometheus metrics.
func (p *PrometheusMetricsCollector) Unregister() {
	prometheus.Unregister(p.CurrentState)
	prometheus.Unregister(p.Transitions)
}

// StateChanged is called on every state transition.
func (p *PrometheusMetricsCollector) StateChanged(name string, from, to State) {
	p.CurrentState.WithLabelValues(name).Set(float64(to))
	p.Transitions.WithLabelValues(name, from.String(), to.String()).Inc()
}

type disabledMetricsCollector struct{}

func (disabledMetricsCollector) StateChanged(name string, from, to State) {}
