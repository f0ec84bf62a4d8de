package identity

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoranet/backend/internal/httpapi"
)

// Metrics holds the Identity service's Prometheus metrics on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry
	Requests *httpapi.RequestMetrics

	AgentsRegistered prometheus.Counter
	Verifications    *prometheus.CounterVec
}

// NewMetrics registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: httpapi.NewRequestMetrics(reg, "identity"),
		AgentsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "identity",
			Name:      "agents_registered_total",
			Help:      "Agents registered since process start",
		}),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "identity",
				Name:      "verifications_total",
				Help:      "Envelope verifications by outcome",
			},
			[]string{"outcome"}, // valid, malformed, unknown_kid, bad_key, bad_signature
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return httpapi.MetricsHandler(m.registry)
}
