package progress

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchops_items_processed_total",
			Help: "Total number of items processed by batch operations",
		},
		[]string{"operation_type", "outcome"},
	)

	jobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchops_jobs_finished_total",
			Help: "Total number of batch operations that reached a terminal status",
		},
		[]string{"operation_type", "status"},
	)

	batchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchops_batch_duration_seconds",
			Help:    "Wall time spent processing one batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"operation_type"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchops_jobs_running",
			Help: "Current number of batch operations executing in this process",
		},
	)
)

func normalizeLabel(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
