package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collector's prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	BatchesTotal   prometheus.Counter
	RowsInserted   prometheus.Counter
	IdentityMisses prometheus.Counter
	AuthFailures   prometheus.Counter
	Violations     *prometheus.CounterVec
}

// NewMetrics creates and registers the collector instruments on a private
// registry so tests can run side by side.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BatchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_batches_total",
			Help: "Connection batches accepted by the collector.",
		}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_connections_inserted_total",
			Help: "Connection rows inserted into the ledger.",
		}),
		IdentityMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_identity_misses_total",
			Help: "Reports whose user could not be resolved.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_auth_failures_total",
			Help: "Batch submissions rejected with 401 or 403.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_violations_total",
			Help: "Detector results at or above the monitor threshold.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		m.BatchesTotal, m.RowsInserted, m.IdentityMisses, m.AuthFailures, m.Violations,
	)
	return m
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
