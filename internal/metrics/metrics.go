// Package metrics defines the Prometheus collectors for BleepBackup.
//
// Collectors are grouped in a Metrics value that is created once per process
// and handed to each component, so tests can use a private registry.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sizeBuckets are exponential buckets for size histograms (bytes).
var sizeBuckets = prometheus.ExponentialBuckets(1024, 4, 12)

// durationBuckets cover sub-second HTTP calls up to multi-hour uploads.
var durationBuckets = []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 300, 900, 3600, 4 * 3600}

// Metrics holds every collector the service exports.
type Metrics struct {
	// Pipeline (RED per operation).
	ActiveStores    prometheus.Gauge
	ActiveUploads   prometheus.Gauge
	ActiveDownloads prometheus.Gauge
	StoreSize       prometheus.Histogram
	StoreDuration   prometheus.Histogram
	UploadSize      prometheus.Histogram
	UploadDuration  prometheus.Histogram
	DownloadSize    prometheus.Histogram
	DownloadTime    prometheus.Histogram

	LockAcquireDuration prometheus.Histogram
	LockTimeouts        prometheus.Counter

	SweepDuration     *prometheus.HistogramVec
	SweepItemFailures *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
}

// New registers all collectors with reg. A nil reg creates a throwaway
// registry, which is convenient for tests that do not inspect metrics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{
		ActiveStores: f.NewGauge(prometheus.GaugeOpts{
			Name: "bleepbackup_active_stores",
			Help: "Files currently being received",
		}),
		ActiveUploads: f.NewGauge(prometheus.GaugeOpts{
			Name: "bleepbackup_active_uploads",
			Help: "Chunks currently being copied offsite",
		}),
		ActiveDownloads: f.NewGauge(prometheus.GaugeOpts{
			Name: "bleepbackup_active_downloads",
			Help: "Files currently being streamed to clients",
		}),
		StoreSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_store_size_bytes",
			Help:    "Size of received files before encoding",
			Buckets: sizeBuckets,
		}),
		StoreDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_store_duration_seconds",
			Help:    "Time spent receiving a file",
			Buckets: durationBuckets,
		}),
		UploadSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_upload_size_bytes",
			Help:    "Size of chunks copied offsite",
			Buckets: sizeBuckets,
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_upload_duration_seconds",
			Help:    "Time spent copying a chunk offsite",
			Buckets: durationBuckets,
		}),
		DownloadSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_download_size_bytes",
			Help:    "Size of decoded files sent to clients",
			Buckets: sizeBuckets,
		}),
		DownloadTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_download_duration_seconds",
			Help:    "Time spent streaming a file to a client",
			Buckets: durationBuckets,
		}),
		LockAcquireDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bleepbackup_lock_acquire_duration_seconds",
			Help:    "Time spent waiting for a metadata lock",
			Buckets: prometheus.DefBuckets,
		}),
		LockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "bleepbackup_lock_timeouts_total",
			Help: "Lock acquisitions that gave up",
		}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bleepbackup_sweep_duration_seconds",
			Help:    "Duration of one scheduled sweep run",
			Buckets: durationBuckets,
		}, []string{"sweep"}),
		SweepItemFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bleepbackup_sweep_item_failures_total",
			Help: "Items a sweep failed to process",
		}, []string{"sweep"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bleepbackup_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bleepbackup_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: durationBuckets,
		}, []string{"method", "path"}),
		HTTPRequestSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bleepbackup_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		}, []string{"method", "path"}),
		HTTPResponseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bleepbackup_http_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: sizeBuckets,
		}, []string{"method", "path"}),
	}
	return m
}

// Discard returns collectors registered nowhere.
func Discard() *Metrics { return New(nil) }

// OrDiscard returns m, or Discard() when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}

// NormalizePath maps request paths to route templates suitable for use as
// Prometheus labels, so service names and ids do not explode cardinality.
func NormalizePath(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/health", "/metrics", "/openapi.json", "/services":
		return path
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch parts[0] {
	case "backups":
		switch {
		case len(parts) == 2:
			return "/backups/{service}"
		case len(parts) == 3:
			return "/backups/{service}/{id}"
		case len(parts) == 4:
			return "/backups/{service}/{id}/" + parts[3]
		case len(parts) >= 5 && parts[3] == "files":
			return "/backups/{service}/{id}/files/{filename}"
		}
	case "verifications":
		switch {
		case len(parts) == 3:
			return "/verifications/{service}/{id}"
		case len(parts) == 4:
			return "/verifications/{service}/{id}/" + parts[3]
		}
	case "services":
		if len(parts) == 3 {
			return "/services/{service}/" + parts[2]
		}
	}
	return "/other"
}
