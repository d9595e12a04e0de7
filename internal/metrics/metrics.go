// Package metrics exposes Prometheus collectors for the pipeline roles.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal                 *prometheus.CounterVec
	captureDurationSeconds     *prometheus.HistogramVec
	captureBytesTotal          *prometheus.CounterVec
	riskScore                  prometheus.Histogram
	resultsTotal               *prometheus.CounterVec
	reportsSealedTotal         *prometheus.CounterVec
	dispatchTransitionsTotal   *prometheus.CounterVec
	queueReconnectsTotal       *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_worker_tasks_total",
				Help: "Total number of scan tasks processed, labeled by result status and error code.",
			},
			[]string{"status", "error_code"},
		)

		captureDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shield_capture_duration_seconds",
				Help:    "Histogram of page capture latencies, labeled by capturer.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"capturer"},
		)

		captureBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_capture_bytes_total",
				Help: "Total bytes of capture artifacts written, labeled by site.",
			},
			[]string{"site"},
		)

		riskScore = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "shield_risk_score",
				Help:    "Distribution of computed risk scores.",
				Buckets: []float64{10, 20, 35, 50, 65, 80, 100},
			},
		)

		resultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_consumer_results_total",
				Help: "Total number of results reconciled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reportsSealedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_reports_sealed_total",
				Help: "Total number of forensic reports sealed, labeled by renderer.",
			},
			[]string{"renderer"},
		)

		dispatchTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_dispatch_transitions_total",
				Help: "Total dispatch state transitions, labeled by action type and operator status.",
			},
			[]string{"action_type", "operator_status"},
		)

		queueReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shield_queue_reconnects_total",
				Help: "Total queue reconnect attempts, labeled by loop role.",
			},
			[]string{"role"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "shield_active_workers",
				Help: "Number of workers currently processing a task.",
			},
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

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shield_rate_limit_delay_seconds",
				Help:    "Time captures waited on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveTask counts one terminal task result.
func ObserveTask(status, errorCode string) {
	Init()
	if errorCode == "" {
		errorCode = "none"
	}
	tasksTotal.WithLabelValues(status, errorCode).Inc()
}

// ObserveCapture records a capture latency and artifact size.
func ObserveCapture(capturer, site string, duration time.Duration, bytesWritten int) {
	Init()
	captureDurationSeconds.WithLabelValues(capturer).Observe(duration.Seconds())
	if bytesWritten > 0 {
		captureBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(bytesWritten))
	}
}

// ObserveRiskScore records a computed score.
func ObserveRiskScore(score int) {
	Init()
	riskScore.Observe(float64(score))
}

// ObserveResult counts one reconciled result.
func ObserveResult(outcome string) {
	Init()
	resultsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReportSealed counts one sealed report.
func ObserveReportSealed(renderer string) {
	Init()
	reportsSealedTotal.WithLabelValues(renderer).Inc()
}

// ObserveDispatch counts one dispatch transition.
func ObserveDispatch(actionType, operatorStatus string) {
	Init()
	dispatchTransitionsTotal.WithLabelValues(actionType, operatorStatus).Inc()
}

// ObserveQueueReconnect counts a reconnect attempt by the given loop role.
func ObserveQueueReconnect(role string) {
	Init()
	queueReconnectsTotal.WithLabelValues(role).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records how long a capture waited for its host bucket.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}
