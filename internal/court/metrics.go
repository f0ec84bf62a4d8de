package court

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoranet/backend/internal/httpapi"
)

// Metrics holds the Court Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	Requests *httpapi.RequestMetrics

	Disputes prometheus.Counter
	Rulings  *prometheus.CounterVec
}

// NewMetrics registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: httpapi.NewRequestMetrics(reg, "court"),
		Disputes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "court",
				Name:      "disputes_filed_total",
				Help:      "Disputes opened",
			},
		),
		Rulings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "court",
				Name:      "rulings_total",
				Help:      "Ruling attempts by outcome",
			},
			[]string{"outcome"}, // ruled, reverted
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return httpapi.MetricsHandler(m.registry)
}
