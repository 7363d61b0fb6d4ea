package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		providerRequestsTotal,
		providerRequestDuration,
	)
}

var (
	// outcome: accepted|rejected|unreachable|malformed
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Upstream topup provider calls by product, operation and outcome.",
		},
		[]string{"product", "operation", "outcome"},
	)

	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Latency of upstream topup provider calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"product", "operation"},
	)
)

// ObserveProviderRequest records one upstream call.
func ObserveProviderRequest(product, operation, outcome string, elapsed time.Duration) {
	providerRequestsTotal.WithLabelValues(norm(product), norm(operation), norm(outcome)).Inc()
	providerRequestDuration.WithLabelValues(norm(product), norm(operation)).Observe(elapsed.Seconds())
}
