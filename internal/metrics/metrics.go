// Package metrics provides Prometheus instrumentation for the guardrails
// gateway. It exposes counters for pipeline outcomes, security events and
// upstream attempts, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts requests by terminal outcome:
	// RESPONDED, FILTERED, RATE_LIMITED or ERROR.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_requests_total",
		Help: "Total number of moderated requests by terminal outcome",
	}, []string{"outcome"})

	// FilteredTotal counts filtered requests by pipeline stage and filter stage.
	FilteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_filtered_total",
		Help: "Total number of filtered requests",
	}, []string{"pipeline_stage", "filter_stage"})

	// SecurityEventsTotal counts audit security events by type.
	SecurityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_security_events_total",
		Help: "Total number of security events recorded",
	}, []string{"type"})

	// UpstreamAttemptsTotal counts individual upstream calls by result:
	// "ok", "retryable", "permanent".
	UpstreamAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_upstream_attempts_total",
		Help: "Total number of upstream call attempts",
	}, []string{"result"})

	// UpstreamLatency records the duration of a whole upstream call, retries
	// included, in seconds.
	UpstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardrails_upstream_latency_seconds",
		Help:    "Upstream call latency including retries in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
	})

	// RequestLatency records end-to-end pipeline latency in seconds.
	RequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardrails_request_latency_seconds",
		Help:    "End-to-end moderation pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 180},
	})

	// RateLimitStoreErrors counts backing store failures seen by the limiter.
	RateLimitStoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardrails_ratelimit_store_errors_total",
		Help: "Total number of rate limit backing store errors",
	})

	// AuditSinkFailures counts swallowed audit sink errors and panics.
	AuditSinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrails_audit_sink_failures_total",
		Help: "Total number of audit sink failures",
	}, []string{"sink"})

	// AuditDropped counts audit entries dropped by a full queue.
	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardrails_audit_dropped_total",
		Help: "Total number of audit entries dropped by backpressure",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		FilteredTotal,
		SecurityEventsTotal,
		UpstreamAttemptsTotal,
		UpstreamLatency,
		RequestLatency,
		RateLimitStoreErrors,
		AuditSinkFailures,
		AuditDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
