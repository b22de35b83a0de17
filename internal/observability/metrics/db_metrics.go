package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const dbGaugeTimeout = 2 * time.Second

// dbGauges are evaluated on every scrape.
var dbGauges = []struct {
	name  string
	help  string
	query string
}{
	{
		name:  "settlements_pending",
		help:  "Settlements awaiting ledger confirmation",
		query: "SELECT COUNT(*) FROM settlements WHERE status = 'PENDING'",
	},
	{
		name:  "settlements_pending_unsubmitted",
		help:  "PENDING settlements without a ledger transaction reference",
		query: "SELECT COUNT(*) FROM settlements WHERE status = 'PENDING' AND COALESCE(external_tx_ref, '') = ''",
	},
	{
		name:  "settlements_oldest_pending_seconds",
		help:  "Age of the oldest PENDING settlement",
		query: "SELECT COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)::BIGINT FROM settlements WHERE status = 'PENDING'",
	},
	{
		name:  "settlements_failed",
		help:  "Settlements that ended FAILED",
		query: "SELECT COUNT(*) FROM settlements WHERE status = 'FAILED'",
	},
}

func registerDBMetrics(db *sql.DB, logger *zap.Logger) {
	for _, gauge := range dbGauges {
		query := gauge.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: metricPrefix + gauge.name, Help: gauge.help},
			func() float64 { return queryScalar(db, logger, query) },
		))
	}
}

func queryScalar(db *sql.DB, logger *zap.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbGaugeTimeout)
	defer cancel()
	var value int64
	if err := db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		if logger != nil {
			logger.Warn("metrics query failed", zap.String("query", query), zap.Error(err))
		}
		return 0
	}
	if value < 0 {
		return 0
	}
	return float64(value)
}
