// Package metrics exposes Prometheus collectors for the session layer.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionkeeper"

// Outcome labels for RefreshOutcome.
const (
	RefreshSuccess     = "success"
	RefreshFailure     = "failure"
	RefreshCircuitOpen = "circuit_open"
	RefreshTooSoon     = "too_soon"
)

type Metrics struct {
	registry *prometheus.Registry

	refreshes      *prometheus.CounterVec
	refreshJoins   prometheus.Counter
	breakerOpen    prometheus.Gauge
	authRetries    *prometheus.CounterVec
	realtimeState  *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	terminations   *prometheus.CounterVec
	realtimeEvents prometheus.Counter
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "refresh",
				Name:      "attempts_total",
				Help:      "Renewal attempts by outcome.",
			},
			[]string{"outcome"},
		),
		refreshJoins: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "refresh",
				Name:      "joined_total",
				Help:      "Refresh calls that joined an attempt started by another caller.",
			},
		),
		breakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "refresh",
				Name:      "breaker_open",
				Help:      "1 while the refresh circuit breaker is tripped.",
			},
		),
		authRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "auth_retries_total",
				Help:      "Requests replayed after an authentication failure, by outcome.",
			},
			[]string{"outcome"},
		),
		realtimeState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "state",
				Help:      "1 for the connection manager's current state.",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "reconnects_total",
				Help:      "Reconnects by trigger.",
			},
			[]string{"trigger"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "terminations_total",
				Help:      "Forced session terminations by reason.",
			},
			[]string{"reason"},
		),
		realtimeEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "messages_total",
				Help:      "Messages received on the realtime connection.",
			},
		),
	}

	m.registry.MustRegister(
		m.refreshes,
		m.refreshJoins,
		m.breakerOpen,
		m.authRetries,
		m.realtimeState,
		m.reconnects,
		m.terminations,
		m.realtimeEvents,
	)
	return m
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RefreshOutcome(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RefreshJoined() {
	if m == nil {
		return
	}
	m.refreshJoins.Inc()
}

func (m *Metrics) BreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}

func (m *Metrics) AuthRetry(outcome string) {
	if m == nil {
		return
	}
	m.authRetries.WithLabelValues(outcome).Inc()
}

// RealtimeState marks state as current and every other known state as not.
func (m *Metrics) RealtimeState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.realtimeState.WithLabelValues(s).Set(0)
	}
	m.realtimeState.WithLabelValues(state).Set(1)
}

func (m *Metrics) Reconnect(trigger string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(trigger).Inc()
}

func (m *Metrics) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) RealtimeMessage() {
	if m == nil {
		return
	}
	m.realtimeEvents.Inc()
}
