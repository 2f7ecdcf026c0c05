// Package metrics exposes Prometheus collectors for the proxy service.
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
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	proxyRequestsTotal           *prometheus.CounterVec
	proxyUpstreamDurationSeconds *prometheus.HistogramVec
	proxySanitizerRemovalsTotal  *prometheus.CounterVec
	proxyBytesTotal              *prometheus.CounterVec
	proxyRateLimitDelaysSeconds  *prometheus.HistogramVec
	proxyBreakerTransitionsTotal *prometheus.CounterVec
	proxyCapturesTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests, labeled by profile, branch and outcome.",
			},
			[]string{"profile", "branch", "outcome"},
		)

		proxyUpstreamDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_duration_seconds",
				Help:    "Histogram of time to upstream response headers, labeled by profile and outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"profile", "outcome"},
		)

		proxySanitizerRemovalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_sanitizer_removals_total",
				Help: "Total number of nodes, attributes and expressions removed, labeled by rule.",
			},
			[]string{"rule"},
		)

		proxyBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_bytes_total",
				Help: "Total number of bytes written to clients, labeled by profile and branch.",
			},
			[]string{"profile", "branch"},
		)

		proxyRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_rate_limit_delays_seconds",
				Help:    "Histogram of per-mirror rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"mirror"},
		)

		proxyBreakerTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_breaker_transitions_total",
				Help: "Total number of circuit breaker state changes, labeled by mirror and new state.",
			},
			[]string{"mirror", "state"},
		)

		proxyCapturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_captures_total",
				Help: "Total number of capture uploads, labeled by status.",
			},
			[]string{"status"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname for use as a label value.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveProxyRequest counts one proxied request and the bytes it wrote.
func ObserveProxyRequest(profile, branch, outcome string, bytesWritten int64) {
	Init()
	proxyRequestsTotal.WithLabelValues(profile, branch, outcome).Inc()
	if bytesWritten > 0 {
		proxyBytesTotal.WithLabelValues(profile, branch).Add(float64(bytesWritten))
	}
}

// ObserveUpstream records how long the mirror took to answer.
func ObserveUpstream(profile, outcome string, duration time.Duration) {
	Init()
	proxyUpstreamDurationSeconds.WithLabelValues(profile, outcome).Observe(duration.Seconds())
}

// ObserveSanitizerRemovals adds per-rule removal counts.
func ObserveSanitizerRemovals(removed map[string]int) {
	Init()
	for rule, n := range removed {
		if n > 0 {
			proxySanitizerRemovalsTotal.WithLabelValues(rule).Add(float64(n))
		}
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(mirror string, duration time.Duration) {
	Init()
	proxyRateLimitDelaysSeconds.WithLabelValues(SanitizeHost(mirror)).Observe(duration.Seconds())
}

// ObserveBreakerTransition counts a circuit breaker state change.
func ObserveBreakerTransition(mirror, state string) {
	Init()
	proxyBreakerTransitionsTotal.WithLabelValues(SanitizeHost(mirror), state).Inc()
}

// ObserveCapture counts a capture upload attempt.
func ObserveCapture(status string) {
	Init()
	proxyCapturesTotal.WithLabelValues(status).Inc()
}
