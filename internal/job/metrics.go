package job

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// jobMetricsOnce ensures metrics are only initialized once.
var jobMetricsOnce sync.Once

// jobMetricsInstance is the singleton instance of job metrics.
var jobMetricsInstance *Metrics

// Metrics holds all Prometheus metrics for the job engine.
type Metrics struct {
	SubmittedTotal *prometheus.CounterVec   // bucketd_jobs_submitted_total{kind}
	CompletedTotal *prometheus.CounterVec   // bucketd_jobs_completed_total{kind,state}
	Duration       *prometheus.HistogramVec // bucketd_job_duration_seconds{kind}
	QueueDepth     prometheus.Gauge         // bucketd_jobs_queued
	RunningJobs    prometheus.Gauge         // bucketd_jobs_running
	LocksHeld      prometheus.Gauge         // bucketd_subtree_locks_held
}

// InitMetrics initializes all job metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	jobMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		jobMetricsInstance = &Metrics{
			SubmittedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bucketd_jobs_submitted_total",
				Help: "Total jobs submitted by kind",
			}, []string{"kind"}),

			CompletedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bucketd_jobs_completed_total",
				Help: "Total jobs reaching a terminal state by kind and state",
			}, []string{"kind", "state"}),

			Duration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bucketd_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind"}),

			QueueDepth: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "bucketd_jobs_queued",
				Help: "Number of jobs waiting in the queue",
			}),

			RunningJobs: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "bucketd_jobs_running",
				Help: "Number of jobs currently executing",
			}),

			LocksHeld: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "bucketd_subtree_locks_held",
				Help: "Number of subtree lock prefixes currently held",
			}),
		}
	})
	return jobMetricsInstance
}
