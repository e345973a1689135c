// Package metrics exposes Prometheus metrics of the MSH
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// TypePrometheus is the event handler type counting events
const TypePrometheus = "prometheus"

// Metrics holds the MSH collectors
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	sends       *prometheus.CounterVec
}

// New creates the collectors and registers them on a new registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msh_state_transitions_total",
				Help: "Processing state transitions of message units",
			},
			[]string{"kind", "direction", "state"}),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msh_events_total",
				Help: "Events raised by the MSH",
			},
			[]string{"type"}),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msh_send_attempts_total",
				Help: "Transport send attempts by outcome",
			},
			[]string{"outcome"}),
	}
	m.registry.MustRegister(m.transitions, m.events, m.sends)
	return m
}

// ObserveTransition counts a unit entering a state
func (m *Metrics) ObserveTransition(u *model.MessageUnit, to model.State) {
	m.transitions.WithLabelValues(string(u.Kind()), string(u.Direction), string(to)).Inc()
}

// ObserveSend counts a send attempt
func (m *Metrics) ObserveSend(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.sends.WithLabelValues(outcome).Inc()
}

// Handle implements events.Handler
func (m *Metrics) Handle(_ context.Context, ev *events.Event) error {
	m.events.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// RegisterHandler registers the prometheus event handler type
func (m *Metrics) RegisterHandler(reg *events.Registry) {
	reg.Register(TypePrometheus, func(pmode.HandlerConfig) (events.Handler, error) {
		return m, nil
	})
}

// Handler serves the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
