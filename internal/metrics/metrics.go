// Package metrics registers the Prometheus metrics used by the gateway.
// Import this package (via blank import) from the server entry point to
// register all metrics before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request-level counters and histograms.
var (
	// RequestsTotal counts completed requests labelled by provider, model, and
	// outcome ("success", "error", "rejected").
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of requests processed by the gateway.",
		},
		[]string{"provider", "model", "status"},
	)

	// RequestDuration observes end-to-end request latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider", "model"},
	)

	// TokensInput counts total prompt tokens sent to providers.
	TokensInput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_input_total",
			Help: "Total prompt tokens sent to providers.",
		},
		[]string{"provider", "model"},
	)

	// TokensOutput counts total completion tokens received from providers.
	TokensOutput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_output_total",
			Help: "Total completion tokens received from providers.",
		},
		[]string{"provider", "model"},
	)

	// ProviderErrors counts errors broken down by provider and error type
	// ("provider_error", "circuit_open", "timeout").
	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// CircuitBreakerState is a per-provider circuit breaker state gauge:
	// 0 = closed, 1 = open, 2 = half_open. It is registered, but no code in
	// this module sets it.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half_open).",
		},
		[]string{"provider"},
	)

	// RateLimitRejections is a rate-limit rejection counter labelled by
	// key_type. This module has no rate limiter, so nothing increments it.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_rejections_total",
			Help: "Total requests rejected by rate limiting.",
		},
		[]string{"key_type"},
	)

	// FailoverAttemptsTotal counts every failed attempt recorded in a
	// request's failover history, labelled by upstream id and error
	// category. The attempt that finally succeeds is not counted.
	FailoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_failover_attempts_total",
			Help: "Total failed forward attempts per upstream that triggered failover, by error category.",
		},
		[]string{"upstream_id", "category"},
	)

	// AffinityHitsTotal counts session affinity outcomes "hit" and
	// "migrated"; misses are not counted.
	AffinityHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_affinity_lookups_total",
			Help: "Session affinity lookups by outcome.",
		},
		[]string{"outcome"},
	)

	// QuotaExceededTotal counts candidate exclusions due to spending rules.
	QuotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_exceeded_total",
			Help: "Candidate exclusions caused by an exhausted spending rule, per upstream.",
		},
		[]string{"upstream_id"},
	)

	// RequestLogDropped counts RequestLog/BillingSnapshot writes abandoned
	// after exhausting the bounded retry queue.
	RequestLogDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_request_log_dropped_total",
			Help: "Request log entries dropped after exhausting persistence retries.",
		},
	)
)
