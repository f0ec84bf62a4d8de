package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestMetrics is the request counter/duration pair every service
// registers under its own namespace. Each service owns a private registry
// so several services can share a test process.
type RequestMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewRequestMetrics registers the standard HTTP metrics on reg.
func NewRequestMetrics(reg prometheus.Registerer, namespace string) *RequestMetrics {
	factory := promauto.With(reg)
	return &RequestMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, path and status code",
			},
			[]string{"method", "path", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Observe records one served request.
func (rm *RequestMetrics) Observe(method, path string, status int, elapsed time.Duration) {
	rm.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	rm.duration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// MetricsHandler serves a private registry on GET /metrics.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
