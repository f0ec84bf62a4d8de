package bank

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agoranet/backend/internal/httpapi"
)

// Metrics holds the Central Bank Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	Requests *httpapi.RequestMetrics

	Transactions *prometheus.CounterVec
	Resolutions  *prometheus.CounterVec
}

// NewMetrics registers all metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: httpapi.NewRequestMetrics(reg, "centralbank"),
		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "centralbank",
				Name:      "ledger_transactions_total",
				Help:      "Ledger mutations by transaction type",
			},
			[]string{"type"},
		),
		Resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "centralbank",
				Name:      "escrow_resolutions_total",
				Help:      "Escrow resolutions by outcome",
			},
			[]string{"outcome"}, // released, split
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return httpapi.MetricsHandler(m.registry)
}
