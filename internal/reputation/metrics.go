package reputation

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoranet/backend/internal/httpapi"
)

// Metrics holds the recorder's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	Requests *httpapi.RequestMetrics

	Recorded *prometheus.CounterVec
}

// NewMetrics registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: httpapi.NewRequestMetrics(reg, "reputation"),
		Recorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reputation",
				Name:      "feedback_recorded_total",
				Help:      "Feedback rows recorded by category and rating",
			},
			[]string{"category", "rating"},
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return httpapi.MetricsHandler(m.registry)
}
