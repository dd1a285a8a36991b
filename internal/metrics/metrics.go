// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the gateway-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	aggregateRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "core",
			Name:      "requests_total",
			Help:      "Total aggregation requests by outcome.",
		},
		[]string{"method", "outcome"},
	)

	aggregateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "core",
			Name:      "request_duration_seconds",
			Help:      "Duration of aggregation requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method"},
	)

	cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		},
		[]string{"result"},
	)

	providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "providers",
			Name:      "calls_total",
			Help:      "Upstream provider calls by provider and status.",
		},
		[]string{"provider", "status"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "providers",
			Name:      "call_duration_seconds",
			Help:      "Upstream provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"provider"},
	)

	rejectedObservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aggregation_gateway",
			Subsystem: "reconcile",
			Name:      "rejected_observations_total",
			Help:      "Observations rejected during reconciliation.",
		},
		[]string{"provider"},
	)
)

func init() {
	Registry.MustRegister(
		aggregateRequests,
		aggregateDuration,
		cacheHits,
		providerCalls,
		providerLatency,
		rejectedObservations,
	)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordAggregate records one completed aggregation request.
func RecordAggregate(method, outcome string, duration time.Duration) {
	aggregateRequests.WithLabelValues(method, outcome).Inc()
	aggregateDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheHits.WithLabelValues("hit").Inc()
	} else {
		cacheHits.WithLabelValues("miss").Inc()
	}
}

// RecordProviderCall records one upstream call outcome.
func RecordProviderCall(provider string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	providerCalls.WithLabelValues(provider, status).Inc()
	providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRejection records an observation rejected as an outlier.
func RecordRejection(provider string) {
	rejectedObservations.WithLabelValues(provider).Inc()
}
