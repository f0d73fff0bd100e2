// Package metrics provides Prometheus metrics for the stock engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	TransactionsRecorded    *prometheus.CounterVec
	TransactionsRejected    *prometheus.CounterVec
	NegativeStockEvents     prometheus.Counter
	ForecastsComputed       prometheus.Counter
	AlertsRaised            *prometheus.CounterVec
	AlertsResolved          *prometheus.CounterVec
	AlertEvaluationFailures prometheus.Counter
	RemindersSent           prometheus.Counter
	RenewalTransitions      *prometheus.CounterVec
	ReordersPlaced          prometheus.Counter
	ReordersFailed          prometheus.Counter
	BatchPassDuration       prometheus.Histogram
	BatchUnitsFailed        prometheus.Counter
	KafkaMessagesProduced   prometheus.Counter
	KafkaMessagesConsumed   prometheus.Counter
	OutboxPending           prometheus.Gauge
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewUnregistered creates metrics that are not exported anywhere.
// Used by constructors when no metrics are wired, and by tests.
func NewUnregistered() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith creates all metrics and registers them with reg.
func NewWith(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransactionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_transactions_recorded_total",
			Help: "Total ledger transactions recorded",
		}, []string{"type"}),
		TransactionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_transactions_rejected_total",
			Help: "Total ledger appends rejected",
		}, []string{"reason"}),
		NegativeStockEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_negative_events_total",
			Help: "Total appends that drove a stock level below zero",
		}),
		ForecastsComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_forecasts_computed_total",
			Help: "Total depletion forecasts computed",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_alerts_raised_total",
			Help: "Total alerts raised",
		}, []string{"type"}),
		AlertsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_alerts_resolved_total",
			Help: "Total alerts auto-resolved",
		}, []string{"type"}),
		AlertEvaluationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_alert_evaluation_failures_total",
			Help: "Total failed alert evaluations (the triggering write still succeeded)",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renewal_reminders_sent_total",
			Help: "Total renewal reminders dispatched",
		}),
		RenewalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "renewal_transitions_total",
			Help: "Total renewal state transitions",
		}, []string{"to"}),
		ReordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reorders_placed_total",
			Help: "Total reorders confirmed by the pharmacy gateway",
		}),
		ReordersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reorders_failed_total",
			Help: "Total reorders that exhausted their retries",
		}),
		BatchPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "replenishment_pass_duration_seconds",
			Help:    "Replenishment batch pass duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		BatchUnitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replenishment_units_failed_total",
			Help: "Total per-medication batch units that failed",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	reg.MustRegister(
		m.TransactionsRecorded,
		m.TransactionsRejected,
		m.NegativeStockEvents,
		m.ForecastsComputed,
		m.AlertsRaised,
		m.AlertsResolved,
		m.AlertEvaluationFailures,
		m.RemindersSent,
		m.RenewalTransitions,
		m.ReordersPlaced,
		m.ReordersFailed,
		m.BatchPassDuration,
		m.BatchUnitsFailed,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
