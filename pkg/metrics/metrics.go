package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts submit outcomes: created, duplicate, rejected.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tulip_orders_submitted_total",
		Help: "Total order submissions by outcome",
	},
	[]string{"outcome"},
)

// SubmitLatency records end-to-end intake latency per submission.
var SubmitLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tulip_submit_latency_seconds",
		Help:    "Latency in seconds from request receipt to accept/duplicate outcome",
		Buckets: prometheus.DefBuckets,
	},
)

// TradesExecuted counts trades produced by the matching shards.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tulip_trades_executed_total",
		Help: "Total trades executed by symbol",
	},
	[]string{"symbol"},
)

// EventsDeadLettered counts malformed events parked by the matching shards.
var EventsDeadLettered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tulip_events_dead_lettered_total",
		Help: "Total malformed events dead-lettered by symbol",
	},
	[]string{"symbol"},
)

// EventsRedelivered counts events seen more than once by a shard consumer.
var EventsRedelivered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tulip_events_redelivered_total",
		Help: "Total redelivered events detected via last-applied markers",
	},
	[]string{"symbol"},
)

// ConflictsReconciled counts compensations emitted by the reconciler.
var ConflictsReconciled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tulip_conflicts_reconciled_total",
		Help: "Total cross-region conflicts resolved with a compensating event",
	},
	[]string{"region"},
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, SubmitLatency)
	prometheus.MustRegister(TradesExecuted, EventsDeadLettered, EventsRedelivered)
	prometheus.MustRegister(ConflictsReconciled)
}
