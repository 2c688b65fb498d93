// Package metrics exposes Prometheus collectors for the mirror service.
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
	pagesTotal             *prometheus.CounterVec
	bytesTotal             prometheus.Counter
	tasksTotal             *prometheus.CounterVec
	syncItemsTotal         *prometheus.CounterVec
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec
	eventSubscribers       prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comicshelf_pages_total",
				Help: "Total pages processed by the download pipeline, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "comicshelf_archive_bytes_total",
				Help: "Total bytes written into finished archives.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comicshelf_tasks_total",
				Help: "Total tasks reaching a terminal state, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		syncItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "comicshelf_sync_items_total",
				Help: "Items seen by the synchronizer, labeled new or known.",
			},
			[]string{"disposition"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		eventSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "comicshelf_event_subscribers",
				Help: "Number of connected task event subscribers.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts one pipeline page outcome: downloaded, skipped, failed.
func ObservePage(outcome string) {
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveArchiveBytes records the size of a finished archive.
func ObserveArchiveBytes(n int64) {
	if n > 0 {
		bytesTotal.Add(float64(n))
	}
}

// ObserveTaskFinished counts a task reaching a terminal state.
func ObserveTaskFinished(kind, status string) {
	tasksTotal.WithLabelValues(kind, status).Inc()
}

// ObserveSyncItem counts one synchronizer sighting.
func ObserveSyncItem(disposition string) {
	syncItemsTotal.WithLabelValues(disposition).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetEventSubscribers updates the subscriber gauge.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}
