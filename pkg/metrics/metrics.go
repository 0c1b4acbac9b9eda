// pkg/metrics/metrics.go
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mdmproxy_upstream_requests_total",
		Help: "Outbound provider API calls by result code.",
	}, []string{"provider", "operation", "code"})

	upstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mdmproxy_upstream_request_duration_seconds",
		Help:    "Outbound provider API call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})
)

// ObserveUpstream records one outbound call. code 0 means transport failure.
func ObserveUpstream(provider, operation string, code int, d time.Duration) {
	upstreamRequests.WithLabelValues(provider, operation, strconv.Itoa(code)).Inc()
	upstreamDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}
