package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "ledger_"

	resultSuccess = "success"
	resultError   = "error"
	resultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	settlementTriggers    *prometheus.CounterVec
	settlementTriggerTime *prometheus.HistogramVec
	settlementTransitions *prometheus.CounterVec
	settlementTimeouts    prometheus.Counter

	reconcileResults *prometheus.CounterVec

	ledgerCalls   *prometheus.CounterVec
	ledgerLatency *prometheus.HistogramVec

	orderBookBySide   *prometheus.GaugeVec
	orderBookByStatus *prometheus.GaugeVec

	signalsTotal *prometheus.CounterVec
)

// Init registers ledger metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		settlementTriggers = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_triggers_total",
				Help: "Total settlement triggers by trigger kind and result",
			},
			[]string{"trigger", "result"},
		)
		settlementTriggerTime = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "settlement_trigger_latency_seconds",
				Help:    "Settlement trigger latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		)
		settlementTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_transitions_total",
				Help: "Total settlement terminal transitions by status",
			},
			[]string{"status"},
		)
		settlementTimeouts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "settlement_timeouts_total",
				Help: "Pending settlements failed by the staleness sweep",
			},
		)

		reconcileResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconcile_results_total",
				Help: "Trade reconciliation outcomes",
			},
			[]string{"result"},
		)

		ledgerCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateway_calls_total",
				Help: "Ledger gateway calls by method and result",
			},
			[]string{"method", "result"},
		)
		ledgerLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "gateway_latency_seconds",
				Help:    "Ledger gateway latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		)

		orderBookBySide = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "orderbook_orders_by_side",
				Help: "Cached orders per side",
			},
			[]string{"side"},
		)
		orderBookByStatus = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "orderbook_orders_by_status",
				Help: "Cached orders per status",
			},
			[]string{"status"},
		)

		signalsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "signals_total",
				Help: "Ledger signals consumed by subject kind and outcome",
			},
			[]string{"kind", "outcome"},
		)

		prometheus.MustRegister(
			settlementTriggers,
			settlementTriggerTime,
			settlementTransitions,
			settlementTimeouts,
			reconcileResults,
			ledgerCalls,
			ledgerLatency,
			orderBookBySide,
			orderBookByStatus,
			signalsTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveSettlementTrigger records one device trigger.
func ObserveSettlementTrigger(trigger, result string, duration time.Duration) {
	if trigger == "" {
		trigger = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if settlementTriggers != nil {
		settlementTriggers.WithLabelValues(trigger, result).Inc()
	}
	if settlementTriggerTime != nil {
		settlementTriggerTime.WithLabelValues(trigger).Observe(duration.Seconds())
	}
}

// IncSettlementTransition increments terminal transition counters.
func IncSettlementTransition(status string) {
	if status == "" {
		status = "unknown"
	}
	if settlementTransitions != nil {
		settlementTransitions.WithLabelValues(status).Inc()
	}
}

// AddSettlementTimeouts increments the timeout counter by count.
func AddSettlementTimeouts(count int) {
	if count <= 0 {
		return
	}
	if settlementTimeouts != nil {
		settlementTimeouts.Add(float64(count))
	}
}

// IncReconcile increments reconciliation outcome counters.
func IncReconcile(result string) {
	if result == "" {
		result = "unknown"
	}
	if reconcileResults != nil {
		reconcileResults.WithLabelValues(result).Inc()
	}
}

// ObserveLedgerCall records a gateway round trip.
func ObserveLedgerCall(method string, err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if ledgerCalls != nil {
		ledgerCalls.WithLabelValues(method, result).Inc()
	}
	if ledgerLatency != nil {
		ledgerLatency.WithLabelValues(method).Observe(duration.Seconds())
	}
}

// SetOrderBookCounts publishes cache cardinalities.
func SetOrderBookCounts(bySide, byStatus map[string]int) {
	if orderBookBySide != nil {
		for side, count := range bySide {
			orderBookBySide.WithLabelValues(side).Set(float64(count))
		}
	}
	if orderBookByStatus != nil {
		for status, count := range byStatus {
			orderBookByStatus.WithLabelValues(status).Set(float64(count))
		}
	}
}

// IncSignal increments consumed signal counters.
func IncSignal(kind, outcome string) {
	if kind == "" {
		kind = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	if signalsTotal != nil {
		signalsTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultSkipped = resultSkipped
)
