package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	exportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avroexport_runs_total",
			Help: "Total number of export runs by status.",
		},
		[]string{"status"},
	)
	exportRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avroexport_rows_total",
			Help: "Total number of rows written across export runs.",
		},
	)
	exportPartitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avroexport_partitions_total",
			Help: "Total number of partition shards written across export runs.",
		},
	)
	exportRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avroexport_run_duration_seconds",
			Help:    "End-to-end export run duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(
		exportRunsTotal,
		exportRowsTotal,
		exportPartitionsTotal,
		exportRunDurationSeconds,
	)
}

func ObserveRunSuccess(rows int64, partitions int, elapsed time.Duration) {
	exportRunsTotal.WithLabelValues("success").Inc()
	if rows > 0 {
		exportRowsTotal.Add(float64(rows))
	}
	if partitions > 0 {
		exportPartitionsTotal.Add(float64(partitions))
	}
	exportRunDurationSeconds.Observe(elapsed.Seconds())
}

func ObserveRunFailure(elapsed time.Duration) {
	exportRunsTotal.WithLabelValues("failure").Inc()
	exportRunDurationSeconds.Observe(elapsed.Seconds())
}
