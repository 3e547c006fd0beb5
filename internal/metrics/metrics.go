package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Watcher metrics
var (
	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_watcher_events_total",
			Help: "Total number of raw filesystem events observed",
		},
		[]string{"kind"},
	)

	WatcherBucketsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_watcher_debounce_buckets",
			Help: "Number of paths currently accumulating in debounce buckets",
		},
	)

	WatcherJobsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_watcher_jobs_emitted_total",
			Help: "Total scan jobs emitted by the change detector",
		},
		[]string{"reason"},
	)

	WatcherRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_watcher_restarts_total",
			Help: "Total watcher restarts after watch-root loss",
		},
	)

	WatcherHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_watcher_healthy",
			Help: "Whether the filesystem watcher is observing the library root (1 = healthy)",
		},
	)
)

// Queue metrics
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_queue_depth",
			Help: "Number of scan jobs currently pending in the queue",
		},
	)

	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_queue_enqueued_total",
			Help: "Total scan jobs accepted by the queue",
		},
		[]string{"priority"},
	)

	QueueReplacedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_queue_replaced_total",
			Help: "Total scan jobs that replaced an already-queued job for the same path",
		},
	)
)

// Scanner metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_scans_total",
			Help: "Total scan jobs processed",
		},
		[]string{"reason", "result"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comic_index_scan_duration_seconds",
			Help:    "Duration of a single archive scan",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"reason"},
	)

	ScansDeferredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_scans_deferred_total",
			Help: "Total scans deferred because of critical memory pressure",
		},
	)

	ScansSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_scans_suppressed_total",
			Help: "Total automatic rescans suppressed after repeated failures",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comic_index_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comic_index_db_transaction_duration_seconds",
			Help:    "Write transaction duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"outcome"}, // "commit", "rollback"
	)

	DBWriteRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_db_write_retries_total",
			Help: "Total write transactions retried after a commit failure",
		},
	)
)

// Filesystem retry metrics
var (
	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_fs_stale_errors_total",
			Help: "Total NFS stale file handle errors encountered",
		},
		[]string{"operation"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_fs_retry_success_total",
			Help: "Total filesystem operations that succeeded after retry",
		},
		[]string{"operation"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_fs_retry_failures_total",
			Help: "Total filesystem operations that failed after exhausting retries",
		},
		[]string{"operation"},
	)
)

// Memory metrics
var (
	MemoryUsageRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_memory_usage_ratio",
			Help: "Current heap usage as a fraction of the memory limit",
		},
	)

	MemoryTier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_memory_tier",
			Help: "Current memory pressure tier (0 = normal, 1 = elevated, 2 = critical)",
		},
	)

	MemoryCacheDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "comic_index_memory_cache_drops_total",
			Help: "Total cache-drop signals fired under critical memory pressure",
		},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comic_index_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comic_index_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comic_index_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
