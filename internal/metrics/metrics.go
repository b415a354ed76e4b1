// Package metrics exposes the process-wide Prometheus collectors of the backup
// service. Run-level counters live in progress/sinks; this package covers the
// remote client, pools, archives, snapshots and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	remoteRetriesTotal      *prometheus.CounterVec
	remoteFailuresTotal     *prometheus.CounterVec
	remoteRateLimitWait     prometheus.Histogram
	poolBusyWorkers         *prometheus.GaugeVec
	archiveBytesTotal       *prometheus.CounterVec
	snapshotsCreatedTotal   *prometheus.CounterVec
	retentionDeletedTotal   prometheus.Counter
	retentionFailuresTotal  prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// multiple times.
func Init() {
	once.Do(func() {
		remoteRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_remote_retries_total",
				Help: "Remote calls retried after a transient failure, labeled by operation.",
			},
			[]string{"op"},
		)
		remoteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_remote_failures_total",
				Help: "Remote calls that failed permanently, labeled by operation.",
			},
			[]string{"op"},
		)
		remoteRateLimitWait = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backup_remote_pacing_wait_seconds",
				Help:    "Time spent waiting on the client-side request limiter.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)
		poolBusyWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backup_pool_busy_workers",
				Help: "Workers currently running a task, labeled by pool.",
			},
			[]string{"pool"},
		)
		archiveBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_archive_bytes_total",
				Help: "Bytes of finished archives, labeled by format.",
			},
			[]string{"format"},
		)
		snapshotsCreatedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backup_snapshots_created_total",
				Help: "Snapshots registered, labeled by kind (full or incremental).",
			},
			[]string{"kind"},
		)
		retentionDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backup_retention_deleted_total",
				Help: "Snapshots removed by retention.",
			},
		)
		retentionFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "backup_retention_failures_total",
				Help: "Snapshot deletions that failed during retention.",
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRetry counts one retried remote call.
func ObserveRetry(op string) {
	Init()
	remoteRetriesTotal.WithLabelValues(op).Inc()
}

// ObserveRemoteFailure counts one remote call that gave up.
func ObserveRemoteFailure(op string) {
	Init()
	remoteFailuresTotal.WithLabelValues(op).Inc()
}

// ObservePacingWait records time blocked on the request limiter.
func ObservePacingWait(d time.Duration) {
	Init()
	remoteRateLimitWait.Observe(d.Seconds())
}

// SetPoolBusy publishes the busy worker count of a pool.
func SetPoolBusy(pool string, busy int) {
	Init()
	poolBusyWorkers.WithLabelValues(pool).Set(float64(busy))
}

// ObserveArchive records the size of a finished archive.
func ObserveArchive(format string, size int64) {
	Init()
	archiveBytesTotal.WithLabelValues(format).Add(float64(size))
}

// ObserveSnapshot counts a registered snapshot.
func ObserveSnapshot(isFull bool) {
	Init()
	kind := "incremental"
	if isFull {
		kind = "full"
	}
	snapshotsCreatedTotal.WithLabelValues(kind).Inc()
}

// ObserveRetention records the outcome of a retention pass.
func ObserveRetention(deleted, failed int) {
	Init()
	retentionDeletedTotal.Add(float64(deleted))
	retentionFailuresTotal.Add(float64(failed))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
