// Package metrics declares the Prometheus collectors of the transactional
// core.  Collectors are registered once on the default registry and exposed
// by the /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ticketmall"

var (
	// LockAcquire counts lock attempts by result (acquired, busy, error).
	LockAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Lock acquisition attempts by result.",
	}, []string{"result"})

	// CapacityAdmit counts capacity admissions by result (admitted, full, error).
	CapacityAdmit = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capacity",
		Name:      "admit_total",
		Help:      "Capacity counter admissions by result.",
	}, []string{"result"})

	// LedgerMutation counts ledger mutations by result.
	LedgerMutation = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "mutation_total",
		Help:      "Ledger mutations by reason and result.",
	}, []string{"reason", "result"})

	// Reservation counts coordinator outcomes.
	Reservation = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reservation",
		Name:      "outcome_total",
		Help:      "Reservation attempts by final state and reason.",
	}, []string{"state", "reason"})

	// SeatAssign counts seat hold attempts by result (held, unavailable, error).
	SeatAssign = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "seat",
		Name:      "assign_total",
		Help:      "Seat hold attempts by result.",
	}, []string{"result"})

	// SeatConfirm counts seat confirmations of paid orders by result
	// (reserved, lost).
	SeatConfirm = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "seat",
		Name:      "confirm_total",
		Help:      "Seat confirmations of paid orders by result.",
	}, []string{"result"})

	// OrderTransition counts persisted order transitions.
	OrderTransition = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "order",
		Name:      "transition_total",
		Help:      "Persisted order status transitions.",
	}, []string{"from", "to"})

	// Notification counts gateway callbacks by kind and outcome.
	Notification = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "notification_total",
		Help:      "Gateway notifications by kind and outcome.",
	}, []string{"kind", "outcome"})

	// SweepDuration observes one sweeper pass.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "order",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a stale-order sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)
