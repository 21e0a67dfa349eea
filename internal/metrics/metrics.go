// Package metrics exposes Prometheus instrumentation for the offline queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsEnqueued counts attendance payloads accepted into the
	// durable store while the host was offline or online.
	SubmissionsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_offline_submissions_enqueued_total",
		Help: "Total number of attendance submissions written to the offline queue",
	})

	// SyncPasses counts completed sync passes by result (clean, partial, failed, empty).
	SyncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_offline_sync_passes_total",
		Help: "Total number of sync passes by outcome",
	}, []string{"result"})

	// SubmissionsSynced counts records acknowledged by the server and removed.
	SubmissionsSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_offline_submissions_synced_total",
		Help: "Total number of submissions successfully replayed against the server",
	})

	// SubmissionsFailed counts replay failures by kind (transient, rejected).
	SubmissionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_offline_submissions_failed_total",
		Help: "Total number of submission replay failures by kind",
	}, []string{"kind"})

	// PendingBacklog tracks the current number of unsynced submissions. This
	// is the primary indicator of lag behind the server.
	PendingBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attendance_offline_pending_backlog",
		Help: "Current number of pending submissions in the durable store",
	})

	// PassDuration measures end-to-end sync pass time.
	PassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attendance_offline_sync_pass_duration_seconds",
		Help:    "Duration of sync passes in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CacheSweeps counts TTL sweep runs over the kv-cache table.
	CacheSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendance_offline_cache_sweeps_total",
		Help: "Total number of kv-cache TTL sweeps",
	})
)
