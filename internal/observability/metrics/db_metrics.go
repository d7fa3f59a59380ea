package metrics

import (
	"database/sql"
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

type dbGauge struct {
	name  string
	help  string
	query string
}

// dbGauges read durable fleet state, so they stay correct across restarts
// and replicas.
var dbGauges = []dbGauge{
	{"event_dlq_count", "Dead letter queue records", `SELECT COUNT(*) FROM dead_letter_events`},
	{"alerts_open", "Open alerts persisted in the store", `SELECT COUNT(*) FROM fleet_alerts WHERE resolved_at IS NULL`},
	{"commands_pending", "Commands awaiting acknowledgment", `SELECT COUNT(*) FROM fleet_commands WHERE finished_at IS NULL`},
	{"commands_failed_24h", "Commands that failed delivery in the last 24h", `SELECT COUNT(*) FROM fleet_commands WHERE status = 'failed' AND finished_at >= NOW() - INTERVAL '24 hours'`},
	{"devices_awake", "Live devices whose last acknowledged mode is awake", `SELECT COUNT(*) FROM fleet_devices WHERE NOT archived AND mode = 'awake'`},
	{"devices_asleep", "Live devices whose last acknowledged mode is asleep", `SELECT COUNT(*) FROM fleet_devices WHERE NOT archived AND mode = 'asleep'`},
	{"collection_window_open", "1 while a collection window is active or closing", `SELECT COUNT(*) FROM collection_windows WHERE state <> 'idle'`},
}

func registerDBMetrics(db *sql.DB, logger *log.Logger) {
	for _, g := range dbGauges {
		query := g.query
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + g.name,
				Help: g.help,
			},
			func() float64 {
				return queryCount(db, logger, query)
			},
		))
	}
}

func queryCount(db *sql.DB, logger *log.Logger, query string) float64 {
	if db == nil {
		return 0
	}
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		if logger != nil {
			logger.Printf("metrics query failed: %v", err)
		}
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
