package metrics

import (
	"database/sql"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var registerDBOnce sync.Once

// RegisterDB exposes sink table gauges backed by live queries. Call once
// after the Postgres sink is up; each scrape runs one count query per gauge.
func RegisterDB(db *sql.DB) {
	if db == nil {
		return
	}
	registerDBOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sink_finalized_rows",
				Help: "Finalized aggregate rows persisted in the sink",
			},
			func() float64 {
				return queryCount(db, "SELECT COUNT(*) FROM cell_window_aggregates WHERE finalized")
			},
		))

		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "sink_open_connections",
				Help: "Open connections in the sink pool",
			},
			func() float64 {
				return float64(db.Stats().OpenConnections)
			},
		))
	})
}

func queryCount(db *sql.DB, query string) float64 {
	var count int64
	if err := db.QueryRow(query).Scan(&count); err != nil {
		slog.Warn("[Metrics] sink gauge query failed", "error", err)
		return 0
	}
	if count < 0 {
		return 0
	}
	return float64(count)
}
