// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_jobs_enqueued_total",
		Help: "Total number of indexing jobs enqueued",
	})
	JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_jobs_consumed_total",
		Help: "Total number of indexing jobs dequeued by workers",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_jobs_completed_total",
		Help: "Total number of successfully indexed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_jobs_failed_total",
		Help: "Total number of failed indexing jobs",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_jobs_retried_total",
		Help: "Total number of operator-initiated job retries",
	})
	SyncFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_sync_fallbacks_total",
		Help: "Total number of submissions processed inline because the queue was unreachable",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "index_job_processing_duration_seconds",
		Help:    "Histogram of job processing durations",
		Buckets: prometheus.DefBuckets,
	})
	PendingLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "index_pending_queue_length",
		Help: "Current length of the pending job list",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "index_worker_active",
		Help: "Number of active worker processes reporting through this binary",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "index_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CleanupDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "index_cleanup_deleted_total",
		Help: "Total number of terminal job records removed by cleanup",
	})
)

func init() {
	prometheus.MustRegister(JobsEnqueued, JobsConsumed, JobsCompleted, JobsFailed, JobsRetried,
		SyncFallbacks, JobProcessingDuration, PendingLength, WorkerActive, CircuitBreakerState, CleanupDeleted)
}
