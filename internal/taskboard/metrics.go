package taskboard

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoranet/backend/internal/httpapi"
)

// Metrics holds the Task Board Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	Requests *httpapi.RequestMetrics

	Transitions *prometheus.CounterVec
	Bids        prometheus.Counter
	Assets      prometheus.Counter
}

// NewMetrics registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: httpapi.NewRequestMetrics(reg, "taskboard"),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskboard",
				Name:      "task_transitions_total",
				Help:      "Task state transitions by from and to status",
			},
			[]string{"from", "to"},
		),
		Bids: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskboard",
				Name:      "bids_submitted_total",
				Help:      "Bids accepted into the sealed pool",
			},
		),
		Assets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskboard",
				Name:      "assets_uploaded_total",
				Help:      "Deliverable assets stored",
			},
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return httpapi.MetricsHandler(m.registry)
}
