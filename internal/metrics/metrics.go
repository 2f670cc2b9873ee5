// Package metrics exposes the gas station's Prometheus collectors,
// served on the metrics-port via promhttp.Handler() the same way
// cmd/kcn/main.go wires prometheus/client_golang's exporter onto its own
// metrics port, separate from the RPC surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the gas station publishes (spec.md §2A).
type Collectors struct {
	PoolAvailable      prometheus.Gauge
	PoolReserved       prometheus.Gauge
	ReservationOutcome *prometheus.CounterVec // label: outcome = reserved|insufficient|cap|error
	SweeperReclaims    prometheus.Counter
	AccessVerdicts     *prometheus.CounterVec // label: verdict = allow|deny
	ExecuteOutcomes    *prometheus.CounterVec // label: state = Finalized|Denied|Failed
	GasUsedTotal       prometheus.Counter
}

// New registers every collector against reg. Pass prometheus.NewRegistry()
// in tests to avoid colliding with the global DefaultRegisterer across
// test runs in the same process.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PoolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gasstation",
			Name:      "pool_available_coins",
			Help:      "Number of coin objects currently available in the pool.",
		}),
		PoolReserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gasstation",
			Name:      "pool_reserved_count",
			Help:      "Number of live reservations currently holding coins.",
		}),
		ReservationOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasstation",
			Name:      "reservation_outcomes_total",
			Help:      "Count of reserve_gas outcomes by result.",
		}, []string{"outcome"}),
		SweeperReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasstation",
			Name:      "sweeper_reclaims_total",
			Help:      "Count of reservations reclaimed by the expiration sweeper.",
		}),
		AccessVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasstation",
			Name:      "access_verdicts_total",
			Help:      "Count of access controller verdicts by outcome.",
		}, []string{"verdict"}),
		ExecuteOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gasstation",
			Name:      "execute_outcomes_total",
			Help:      "Count of execute_tx terminal states.",
		}, []string{"state"}),
		GasUsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gasstation",
			Name:      "gas_used_total",
			Help:      "Cumulative gas sponsored across all finalized transactions.",
		}),
	}

	reg.MustRegister(
		c.PoolAvailable,
		c.PoolReserved,
		c.ReservationOutcome,
		c.SweeperReclaims,
		c.AccessVerdicts,
		c.ExecuteOutcomes,
		c.GasUsedTotal,
	)
	return c
}

// Handler returns the promhttp handler for the metrics endpoint.
func (c *Collectors) Handler() http.Handler {
	return promhttp.Handler()
}
