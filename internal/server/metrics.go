package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// apiMetricsOnce ensures metrics are only initialized once.
var apiMetricsOnce sync.Once

// apiMetricsInstance is the singleton instance of API metrics.
var apiMetricsInstance *Metrics

// Metrics holds Prometheus metrics for the HTTP adapter.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // bucketd_api_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // bucketd_api_request_duration_seconds{operation}
	BytesDownloaded prometheus.Counter       // bucketd_api_bytes_downloaded_total
	BytesUploaded   prometheus.Counter       // bucketd_api_bytes_uploaded_total
	WatchClients    prometheus.Gauge         // bucketd_api_watch_clients
}

// InitMetrics initializes all API metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	apiMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		apiMetricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "bucketd_api_requests_total",
				Help: "Total API requests by operation and status",
			}, []string{"operation", "status"}),

			RequestDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bucketd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesDownloaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bucketd_api_bytes_downloaded_total",
				Help: "Total bytes streamed to download clients",
			}),

			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "bucketd_api_bytes_uploaded_total",
				Help: "Total bytes accepted from uploads",
			}),

			WatchClients: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "bucketd_api_watch_clients",
				Help: "Number of connected job watch clients",
			}),
		}
	})
	return apiMetricsInstance
}
