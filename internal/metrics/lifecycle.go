package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market",
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Lifecycle commands by operation and result",
		},
		[]string{"op", "result"},
	)

	LedgerCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "market",
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Escrow ledger call latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"primitive", "result"},
	)

	NotificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market",
			Subsystem: "notifications",
			Name:      "failures_total",
			Help:      "Notifications that could not be delivered to the sink",
		},
		[]string{"event_type"},
	)

	SweepCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market",
			Subsystem: "sweep",
			Name:      "auto_completed_total",
			Help:      "Transactions completed by the inspection-expiry sweep",
		},
	)

	SweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "market",
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Sweep items that failed and will be retried on the next tick",
		},
	)

	CarrierDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "market",
			Subsystem: "carrier",
			Name:      "polls_total",
			Help:      "Carrier tracking polls by result",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		TransitionsTotal,
		LedgerCallDuration,
		NotificationFailures,
		SweepCompleted,
		SweepErrors,
		CarrierDeliveries,
	)
}
