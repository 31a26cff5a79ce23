// Package metrics exposes Prometheus collectors for the subscription engine.
//
// Collectors are created by Init. Every helper is a no-op until then, so
// packages can record metrics from tests without a registry.
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
	pollsTotal                 *prometheus.CounterVec
	pollsInFlight              prometheus.Gauge
	throttleWaitSeconds        *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	workerPendingTasks         prometheus.Gauge
	workerRestartsTotal        prometheus.Counter
	workerProtocolErrorsTotal  prometheus.Counter
	notificationsTotal         *prometheus.CounterVec
	commandsTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pollsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwatch_polls_total",
				Help: "Total number of subscription polls, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		pollsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chanwatch_polls_in_flight",
				Help: "Number of subscriptions currently being checked.",
			},
		)

		throttleWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chanwatch_throttle_wait_seconds",
				Help:    "Histogram of host throttle waits, labeled by level.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"level"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwatch_fetch_bytes_total",
				Help: "Total number of page bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		workerPendingTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chanwatch_worker_pending_tasks",
				Help: "Number of parse tasks awaiting a worker result.",
			},
		)

		workerRestartsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chanwatch_worker_restarts_total",
				Help: "Total number of unexpected parse worker exits.",
			},
		)

		workerProtocolErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "chanwatch_worker_protocol_errors_total",
				Help: "Total number of undecodable or unmatched worker results.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwatch_notifications_total",
				Help: "Total number of notifications sent, labeled by kind.",
			},
			[]string{"kind"},
		)

		commandsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chanwatch_commands_total",
				Help: "Total number of user commands, labeled by route.",
			},
			[]string{"route"},
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

// SanitizeHost extracts a lowercase hostname from a URL or bare host.
// It returns "unknown" if the input is invalid.
func SanitizeHost(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePoll counts one finished poll.
func ObservePoll(host, outcome string) {
	if pollsTotal == nil {
		return
	}
	pollsTotal.WithLabelValues(SanitizeHost(host), outcome).Inc()
}

// SetInFlight records the scheduler's in-flight count.
func SetInFlight(n int) {
	if pollsInFlight == nil {
		return
	}
	pollsInFlight.Set(float64(n))
}

// ObserveThrottleWait records how long a caller waited for a host slot.
func ObserveThrottleWait(level string, waited time.Duration) {
	if throttleWaitSeconds == nil {
		return
	}
	throttleWaitSeconds.WithLabelValues(level).Observe(waited.Seconds())
}

// ObserveFetch adds fetched bytes for host.
func ObserveFetch(host string, bytesFetched int) {
	if fetchBytesTotal == nil || bytesFetched <= 0 {
		return
	}
	fetchBytesTotal.WithLabelValues(SanitizeHost(host)).Add(float64(bytesFetched))
}

// SetWorkerPending records the number of tasks awaiting a result.
func SetWorkerPending(n int) {
	if workerPendingTasks == nil {
		return
	}
	workerPendingTasks.Set(float64(n))
}

// IncWorkerRestarts counts an unexpected worker exit.
func IncWorkerRestarts() {
	if workerRestartsTotal == nil {
		return
	}
	workerRestartsTotal.Inc()
}

// IncWorkerProtocolErrors counts a result that could not be matched or decoded.
func IncWorkerProtocolErrors() {
	if workerProtocolErrorsTotal == nil {
		return
	}
	workerProtocolErrorsTotal.Inc()
}

// AddNotifications counts sent notifications of the given kind.
func AddNotifications(kind string, n int) {
	if notificationsTotal == nil || n <= 0 {
		return
	}
	notificationsTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveCommand counts a dispatched user command.
func ObserveCommand(route string) {
	if commandsTotal == nil {
		return
	}
	commandsTotal.WithLabelValues(route).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
