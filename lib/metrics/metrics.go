// Package metrics exposes the prometheus collectors of the coordination core. Collectors are registered lazily on
// first use with the default registry, which the coordinator serves on /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the core collectors.
type Metrics struct {
	transitions *prometheus.CounterVec
	votes       *prometheus.CounterVec
	settlements *prometheus.CounterVec
	external    *prometheus.CounterVec
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var (
	once     sync.Once
	registry *Metrics
)

// Core returns the lazily-initialised collectors.
func Core() *Metrics {
	once.Do(func() {
		registry = &Metrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scc",
				Name:      "state_transitions_total",
				Help:      "State transitions of batches, escrows and disputes.",
			}, []string{"entity", "status"}),
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scc",
				Name:      "votes_total",
				Help:      "Accepted votes segmented by kind (validation, arbitrator) and choice.",
			}, []string{"kind", "choice"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scc",
				Name:      "settlements_total",
				Help:      "Batch settlements applied, by consensus result.",
			}, []string{"result"}),
			external: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scc",
				Name:      "external_calls_total",
				Help:      "Ledger, bus and content calls made on behalf of the core, by action and outcome.",
			}, []string{"action", "status"}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "scc",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "REST requests by route and status code.",
			}, []string{"route", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "scc",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "REST request latency by route.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.votes,
			registry.settlements,
			registry.external,
			registry.requests,
			registry.latency,
		)
	})

	return registry
}

// Transition records an entity entering status.
func (m *Metrics) Transition(entity, status string) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(entity, status).Inc()
}

// Vote records an accepted vote.
func (m *Metrics) Vote(kind, choice string) {
	if m == nil {
		return
	}

	m.votes.WithLabelValues(kind, choice).Inc()
}

// Settlement records an applied settlement.
func (m *Metrics) Settlement(result string) {
	if m == nil {
		return
	}

	m.settlements.WithLabelValues(result).Inc()
}

// External records the outcome of an external call.
func (m *Metrics) External(action, status string) {
	if m == nil {
		return
	}

	m.external.WithLabelValues(action, status).Inc()
}

// Request records a served REST request.
func (m *Metrics) Request(route, code string, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(route, code).Inc()
	m.latency.WithLabelValues(route).Observe(elapsed.Seconds())
}
