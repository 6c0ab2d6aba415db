// Package metrics exposes the router's Prometheus metrics. Every recording
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leadrouter"

// Metrics holds all custom collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	InboundEvents     *prometheus.CounterVec
	EventLatency      prometheus.Histogram
	LockWait          prometheus.Histogram
	HandoffDecisions  *prometheus.CounterVec
	DeferredActions   *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec
	ReplyFallbacks    *prometheus.CounterVec
	TemperatureShifts *prometheus.CounterVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		InboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound webhook events by outcome status and reason.",
		}, []string{"status", "reason"}),

		EventLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbound_event_duration_seconds",
			Help:      "End-to-end processing time of an inbound event.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),

		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "contact_lock_wait_seconds",
			Help:      "Time spent waiting for a contact lock.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),

		HandoffDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_decisions_total",
			Help:      "Recorded handoff and reassignment decisions.",
		}, []string{"decision"}),

		DeferredActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_actions_total",
			Help:      "Deferred actions by kind and outcome.",
		}, []string{"kind", "outcome"}),

		UpstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed calls to the CRM and the language model.",
		}, []string{"service", "operation"}),

		ReplyFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_fallbacks_total",
			Help:      "Replies served from the scripted fallback, by flow.",
		}, []string{"flow"}),

		TemperatureShifts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "temperature_changes_total",
			Help:      "Tier changes by flow and new tier.",
		}, []string{"flow", "to"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry to tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) RecordInbound(status, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(status, reason).Inc()
	m.EventLatency.Observe(elapsed.Seconds())
}

func (m *Metrics) RecordLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

func (m *Metrics) RecordHandoff(decision string) {
	if m == nil {
		return
	}
	m.HandoffDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordDeferred(kind, outcome string) {
	if m == nil {
		return
	}
	m.DeferredActions.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordUpstreamFailure(service, operation string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.WithLabelValues(service, operation).Inc()
}

func (m *Metrics) RecordFallback(flow string) {
	if m == nil {
		return
	}
	m.ReplyFallbacks.WithLabelValues(flow).Inc()
}

func (m *Metrics) RecordTemperature(flow, to string) {
	if m == nil {
		return
	}
	m.TemperatureShifts.WithLabelValues(flow, to).Inc()
}
