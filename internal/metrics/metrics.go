// Package metrics exposes the Prometheus collectors shared across
// Overwatch's components: the shadowing detector, policy engine, proxy
// cores, session cache, and audit sink all publish into one registry so an
// operator scrapes a single /metrics endpoint per orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps a dedicated Prometheus registry (never the global default,
// for test isolation) with the counters and gauges every component needs.
type Metrics struct {
	registry *prometheus.Registry

	shadowRegistrations *prometheus.CounterVec
	shadowReports        *prometheus.CounterVec
	policyEvaluations    *prometheus.CounterVec
	proxyRequestsTotal    *prometheus.CounterVec
	proxyRequestsFailed   *prometheus.CounterVec
	proxyRequestsTimedOut *prometheus.CounterVec
	proxyRequestDuration  *prometheus.HistogramVec
	circuitBreakerState   *prometheus.GaugeVec
	sessionGrantsActive   prometheus.Gauge
	auditEntriesTotal     *prometheus.CounterVec
	webhookAttempts       *prometheus.CounterVec
}

// New creates a Metrics collector with every family pre-registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		shadowRegistrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_shadow_registrations_total",
			Help: "Total number of tool registrations processed by the shadowing detector.",
		}, []string{"server", "result"}),

		shadowReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_shadow_reports_total",
			Help: "Total number of shadowing reports raised, by kind and severity.",
		}, []string{"kind", "severity"}),

		policyEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_policy_evaluations_total",
			Help: "Total number of policy evaluations, by resulting action.",
		}, []string{"server", "action"}),

		proxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_proxy_requests_total",
			Help: "Total number of requests relayed by a proxy core.",
		}, []string{"server"}),

		proxyRequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_proxy_requests_failed_total",
			Help: "Total number of requests that failed due to upstream failure.",
		}, []string{"server"}),

		proxyRequestsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_proxy_requests_timed_out_total",
			Help: "Total number of requests reaped by the per-request or sweep timeout.",
		}, []string{"server"}),

		proxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "overwatch_proxy_request_duration_seconds",
			Help:    "Tool call round-trip duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"server", "tool"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "overwatch_circuit_breaker_state",
			Help: "Circuit breaker state per server (0=closed, 1=half_open, 2=open).",
		}, []string{"server"}),

		sessionGrantsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overwatch_session_grants_active",
			Help: "Number of currently active (unexpired, unrevoked) session grants.",
		}),

		auditEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_audit_entries_total",
			Help: "Total number of audit entries logged, by decision.",
		}, []string{"decision"}),

		webhookAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_webhook_attempts_total",
			Help: "Total number of approval webhook attempts, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.shadowRegistrations,
		m.shadowReports,
		m.policyEvaluations,
		m.proxyRequestsTotal,
		m.proxyRequestsFailed,
		m.proxyRequestsTimedOut,
		m.proxyRequestDuration,
		m.circuitBreakerState,
		m.sessionGrantsActive,
		m.auditEntriesTotal,
		m.webhookAttempts,
	)

	return m
}

func (m *Metrics) RecordShadowRegistration(server, result string) {
	m.shadowRegistrations.WithLabelValues(server, result).Inc()
}

func (m *Metrics) RecordShadowReport(kind, severity string) {
	m.shadowReports.WithLabelValues(kind, severity).Inc()
}

func (m *Metrics) RecordPolicyEvaluation(server, action string) {
	m.policyEvaluations.WithLabelValues(server, action).Inc()
}

func (m *Metrics) RecordProxyRequest(server string) {
	m.proxyRequestsTotal.WithLabelValues(server).Inc()
}

func (m *Metrics) RecordProxyFailure(server string) {
	m.proxyRequestsFailed.WithLabelValues(server).Inc()
}

func (m *Metrics) RecordProxyTimeout(server string) {
	m.proxyRequestsTimedOut.WithLabelValues(server).Inc()
}

func (m *Metrics) ObserveRequestDuration(server, tool string, seconds float64) {
	m.proxyRequestDuration.WithLabelValues(server, tool).Observe(seconds)
}

// breaker states, matching the CircuitBreakerState gauge contract.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

func (m *Metrics) SetCircuitBreakerState(server string, state int) {
	m.circuitBreakerState.WithLabelValues(server).Set(float64(state))
}

func (m *Metrics) SetActiveGrants(n int) {
	m.sessionGrantsActive.Set(float64(n))
}

func (m *Metrics) RecordAuditEntry(decision string) {
	m.auditEntriesTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) RecordWebhookAttempt(outcome string) {
	m.webhookAttempts.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
