package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SlotReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knocktwice_slot_reservations_total",
			Help: "Slot reservation attempts by result (reserved, full, unknown, released)",
		},
		[]string{"result"},
	)

	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knocktwice_actions_total",
			Help: "User actions handled, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	Bookings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knocktwice_bookings_total",
			Help: "Booking attempts by outcome (confirmed, rejected, failed)",
		},
		[]string{"outcome"},
	)

	NotifyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "knocktwice_notify_failures_total",
			Help: "Notification events that could not be published",
		},
	)

	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "knocktwice_sessions",
			Help: "Live in-memory sessions",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "knocktwice_sessions_evicted_total",
			Help: "Sessions reclaimed by the inactivity sweep",
		},
	)

	LedgerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knocktwice_ledger_duration_ms",
			Help:    "Ledger call duration in ms",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"op"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
