// Package metrics exposes Prometheus collectors for cachewarden.
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
	purgesTotal                *prometheus.CounterVec
	preloadStartsTotal         *prometheus.CounterVec
	preloadDurationSeconds     prometheus.Histogram
	lifecycleOutcomesTotal     *prometheus.CounterVec
	estimatorResultsTotal      *prometheus.CounterVec
	warmupRequestsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		purgesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewarden_purges_total",
				Help: "Total purge operations, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		preloadStartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewarden_preload_starts_total",
				Help: "Total preload start attempts, labeled by pass and result.",
			},
			[]string{"pass", "result"},
		)

		preloadDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cachewarden_preload_duration_seconds",
				Help:    "Wall-clock duration of completed preload runs.",
				Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
			},
		)

		lifecycleOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewarden_lifecycle_outcomes_total",
				Help: "Total lifecycle wait outcomes, labeled by final state.",
			},
			[]string{"state"},
		)

		estimatorResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewarden_estimator_results_total",
				Help: "Total URL estimate lookups, labeled by source.",
			},
			[]string{"source"},
		)

		warmupRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cachewarden_warmup_requests_total",
				Help: "Total cache warmup requests, labeled by user agent class and status.",
			},
			[]string{"agent", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
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
	Init()
	return promhttp.Handler()
}

// ObservePurge counts a purge by mode ("all", "url", "path") and result.
func ObservePurge(mode, result string) {
	Init()
	purgesTotal.WithLabelValues(mode, result).Inc()
}

// ObservePreloadStart counts a preload start attempt.
func ObservePreloadStart(pass, result string) {
	Init()
	preloadStartsTotal.WithLabelValues(pass, result).Inc()
}

// ObservePreloadDuration records how long a finished run took.
func ObservePreloadDuration(d time.Duration) {
	Init()
	if d > 0 {
		preloadDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveLifecycle counts a terminal lifecycle state.
func ObserveLifecycle(state string) {
	Init()
	lifecycleOutcomesTotal.WithLabelValues(state).Inc()
}

// ObserveEstimate counts where a URL estimate came from ("cache", "sitemap",
// "fallback").
func ObserveEstimate(source string) {
	Init()
	estimatorResultsTotal.WithLabelValues(source).Inc()
}

// ObserveWarmup counts one warmup request.
func ObserveWarmup(agent string, status int) {
	Init()
	warmupRequestsTotal.WithLabelValues(agent, strconv.Itoa(status)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
