// Package metrics provides Prometheus metrics for the payment backend.
// A nil *Metrics is valid and records nothing, so components can be built
// without it in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal      *prometheus.CounterVec
	HTTPRequestDuration    *prometheus.HistogramVec
	LimiterBlocksTotal     *prometheus.CounterVec
	ChallengeResultsTotal  *prometheus.CounterVec
	GatewayCallsTotal      *prometheus.CounterVec
	CompensationsTotal     *prometheus.CounterVec
	NotificationsPublished *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_http_requests_total",
				Help: "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paylink_http_request_duration_seconds",
				Help:    "HTTP request latency by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		LimiterBlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_limiter_blocks_total",
				Help: "Attempts rejected or locked by the adaptive limiter, by purpose and reason.",
			},
			[]string{"purpose", "reason"},
		),
		ChallengeResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_challenge_verifications_total",
				Help: "Challenge verifications by challenge kind and result.",
			},
			[]string{"kind", "result"},
		),
		GatewayCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_gateway_calls_total",
				Help: "Calls to the external payment gateway by method and result.",
			},
			[]string{"method", "result"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_compensations_total",
				Help: "Compensating reversals by result.",
			},
			[]string{"result"},
		),
		NotificationsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paylink_notifications_published_total",
				Help: "Messages handed to the broker by queue and result.",
			},
			[]string{"queue", "result"},
		),
		registry: reg,
	}

	reg.MustRegister(m.HTTPRequestsTotal)
	reg.MustRegister(m.HTTPRequestDuration)
	reg.MustRegister(m.LimiterBlocksTotal)
	reg.MustRegister(m.ChallengeResultsTotal)
	reg.MustRegister(m.GatewayCallsTotal)
	reg.MustRegister(m.CompensationsTotal)
	reg.MustRegister(m.NotificationsPublished)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordLimiterBlock counts a limiter rejection ("rejected") or a new lock ("locked").
func (m *Metrics) RecordLimiterBlock(purpose, reason string) {
	if m == nil {
		return
	}
	m.LimiterBlocksTotal.WithLabelValues(purpose, reason).Inc()
}

// RecordChallenge counts a verification outcome.
func (m *Metrics) RecordChallenge(kind, result string) {
	if m == nil {
		return
	}
	m.ChallengeResultsTotal.WithLabelValues(kind, result).Inc()
}

// RecordGatewayCall counts a gateway RPC.
func (m *Metrics) RecordGatewayCall(method, result string) {
	if m == nil {
		return
	}
	m.GatewayCallsTotal.WithLabelValues(method, result).Inc()
}

// RecordCompensation counts a reversal attempt.
func (m *Metrics) RecordCompensation(result string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(result).Inc()
}

// RecordPublish counts a broker publish.
func (m *Metrics) RecordPublish(queue, result string) {
	if m == nil {
		return
	}
	m.NotificationsPublished.WithLabelValues(queue, result).Inc()
}
