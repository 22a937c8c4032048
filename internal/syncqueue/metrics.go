package syncqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsEnqueuedTotal counts recorded actions by type.
	ItemsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_sync_items_enqueued_total",
			Help: "Total number of actions recorded in the sync queue",
		},
		[]string{"action"},
	)

	// ItemsProcessedTotal counts replay outcomes: done, retrying, dead or discarded.
	ItemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_sync_items_processed_total",
			Help: "Total number of sync queue items by replay outcome",
		},
		[]string{"action", "outcome"},
	)

	// QueueItems is the number of items held per state as of the last Stats call.
	QueueItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_sync_queue_items",
			Help: "Number of sync queue items by state",
		},
		[]string{"state"},
	)

	// ProbeFailuresTotal counts replay passes skipped because the probe failed.
	ProbeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapvault_sync_probe_failures_total",
			Help: "Total number of connectivity probe failures",
		},
	)

	// ReplayDuration tracks how long replay passes take.
	ReplayDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapvault_sync_replay_duration_seconds",
			Help:    "Duration of sync queue replay passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
