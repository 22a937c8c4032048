package backup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished backup jobs by status and failing step.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_backup_jobs_total",
			Help: "Total number of finished backup jobs",
		},
		[]string{"status", "failed_step"},
	)

	// StageDuration tracks how long each pipeline stage takes.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_backup_stage_duration_seconds",
			Help:    "Duration of backup pipeline stages in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// StorageOperationsTotal counts backend calls by outcome.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_storage_operations_total",
			Help: "Total number of storage backend operations",
		},
		[]string{"backend", "operation", "outcome"},
	)

	// StorageOperationDuration tracks backend call latency.
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapvault_storage_operation_duration_seconds",
			Help:    "Duration of storage backend operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// MirrorFailuresTotal counts best-effort mirror failures.
	MirrorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_mirror_failures_total",
			Help: "Total number of cloud mirror failures",
		},
		[]string{"reason"},
	)

	// LocalEvictionsTotal counts backups evicted from the local store.
	LocalEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapvault_local_evictions_total",
			Help: "Total number of backups evicted from the local store",
		},
	)

	// ReapedTotal counts reaper transitions.
	ReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapvault_reaped_backups_total",
			Help: "Total number of backups expired or deleted by the reaper",
		},
		[]string{"transition"},
	)

	// SchedulesDueTotal counts due schedules seen by scheduler ticks.
	SchedulesDueTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapvault_schedules_due_total",
			Help: "Total number of due schedules picked up by the scheduler",
		},
	)

	// BackendUsageBytes is the last measured size of each backend.
	BackendUsageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_backend_usage_bytes",
			Help: "Bytes held by each storage backend at the last health check",
		},
		[]string{"backend"},
	)

	// BackendObjects is the last measured object count of each backend.
	BackendObjects = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_backend_objects",
			Help: "Objects held by each storage backend at the last health check",
		},
		[]string{"backend"},
	)

	// BackendUp is 1 when the last health check of a backend succeeded.
	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapvault_backend_up",
			Help: "Whether the storage backend answered the last health check",
		},
		[]string{"backend"},
	)

	// JobsRejectedTotal counts jobs the runner could not accept.
	JobsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapvault_jobs_rejected_total",
			Help: "Total number of jobs rejected because the runner queue was full",
		},
	)
)

// RecordJob records a finished job.
func RecordJob(status JobStatus, failedStep string) {
	JobsTotal.WithLabelValues(string(status), failedStep).Inc()
}

// ObserveStage records one pipeline stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordStorageOperation records one backend call.
func RecordStorageOperation(backend, operation string, d time.Duration, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = "transient_error"
	case IsType(err, BackupErrorTypeConflict):
		outcome = "conflict"
	case IsType(err, BackupErrorTypeNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	StorageOperationsTotal.WithLabelValues(backend, operation, outcome).Inc()
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(d.Seconds())
}

// RecordMirrorFailure records a mirror failure.
func RecordMirrorFailure(reason string) {
	MirrorFailuresTotal.WithLabelValues(reason).Inc()
}
