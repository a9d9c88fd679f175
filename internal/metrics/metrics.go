// Package metrics provides Prometheus metrics for the plugin reloader.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scanner metrics
	scansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreload_scans_total",
			Help: "Total number of plugin file scans",
		},
	)

	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autoreload_scan_duration_seconds",
			Help:    "Time to build one plugin file snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	filesObserved = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoreload_files_observed",
			Help: "Number of plugin files in the most recent snapshot",
		},
	)

	scanErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_scan_errors_total",
			Help: "Absorbed I/O errors during scans",
		},
		[]string{"kind"},
	)

	// Detection metrics
	differencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_differences_total",
			Help: "Total confirmed plugin file differences",
		},
		[]string{"reason"},
	)

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_cycles_total",
			Help: "Total detection cycles by outcome",
		},
		[]string{"outcome"},
	)

	transientChangesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreload_transient_changes_total",
			Help: "Changes seen on the first check that vanished on the second check",
		},
	)

	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_dispatches_total",
			Help: "Reload requests submitted to the plugin host",
		},
		[]string{"status"},
	)

	workerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoreload_worker_running",
			Help: "1 if the detection worker is running",
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoreload_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autoreload_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreload_sse_events_dropped_total",
			Help: "Events not delivered to a subscriber whose buffer was full",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Side channel metrics
	historyWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_history_writes_total",
			Help: "Reload history records written",
		},
		[]string{"status"},
	)

	archiveBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreload_archive_bytes_total",
			Help: "Bytes of plugin files copied to the archive",
		},
	)

	archiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_archive_uploads_total",
			Help: "Plugin file archive uploads",
		},
		[]string{"status"},
	)

	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoreload_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreload_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordScan records one completed scan.
func RecordScan(duration time.Duration, files int) {
	scansTotal.Inc()
	scanDuration.Observe(duration.Seconds())
	filesObserved.Set(float64(files))
}

// RecordScanError records an I/O error absorbed by the scanner.
func RecordScanError(kind string) {
	scanErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordDifference records a confirmed difference.
func RecordDifference(reason string) {
	differencesTotal.WithLabelValues(reason).Inc()
}

// RecordCycle records a detection cycle outcome.
func RecordCycle(outcome string) {
	cyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordTransientChange records a change discarded by the second check.
func RecordTransientChange() {
	transientChangesTotal.Inc()
}

// RecordDispatch records a reload dispatch. status is success, error or abandoned.
func RecordDispatch(status string) {
	dispatchesTotal.WithLabelValues(status).Inc()
}

// SetWorkerRunning sets the worker running gauge.
func SetWorkerRunning(running bool) {
	if running {
		workerRunning.Set(1)
	} else {
		workerRunning.Set(0)
	}
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordSSEDrop records an event dropped for a slow subscriber.
func RecordSSEDrop() {
	sseEventsDropped.Inc()
}

// RecordHistoryWrite records a reload history write.
func RecordHistoryWrite(success bool) {
	historyWritesTotal.WithLabelValues(status(success)).Inc()
}

// RecordArchiveUpload records a plugin file archive upload.
func RecordArchiveUpload(bytes int64, success bool) {
	if success {
		archiveBytesTotal.Add(float64(bytes))
	}
	archiveUploadsTotal.WithLabelValues(status(success)).Inc()
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	s3OperationsTotal.WithLabelValues(operation, status(success)).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

// routeLabel keeps plugin ids out of the path label.
func routeLabel(path string) string {
	const prefix = "/api/v1/host/plugins/"
	if rest, ok := strings.CutPrefix(path, prefix); ok && strings.HasSuffix(rest, "/changed") {
		return prefix + "{id}/changed"
	}
	return path
}
