// Package metrics exposes the Prometheus collectors for dsdown.
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
	pagesTotal                 *prometheus.CounterVec
	pageBytesTotal             *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	downloadsTotal             *prometheus.CounterVec
	downloadBytesTotal         prometheus.Counter
	normalizeTotal             *prometheus.CounterVec
	availableSlots             prometheus.Gauge
	queueLength                prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// repeatedly; the observers below call it themselves.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsdown_pages_total",
				Help: "Catalog pages fetched, labeled by page kind and status.",
			},
			[]string{"kind", "status"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsdown_page_bytes_total",
				Help: "Bytes of catalog HTML fetched, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dsdown_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host request limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsdown_downloads_total",
				Help: "Chapter downloads finished, labeled by result.",
			},
			[]string{"result"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dsdown_download_bytes_total",
				Help: "Archive bytes written to the library.",
			},
		)

		normalizeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dsdown_archive_normalize_total",
				Help: "Archive normalization outcomes.",
			},
			[]string{"outcome"},
		)

		availableSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsdown_available_slots",
				Help: "Downloads that may start now under the rolling budget.",
			},
		)

		queueLength = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dsdown_queue_pending",
				Help: "Pending entries in the download queue.",
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
	})
}

// SanitizeSite extracts a lowercase hostname from a URL. It returns "unknown"
// if the URL is invalid.
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
	return promhttp.Handler()
}

// ObservePage counts one catalog page fetch.
func ObservePage(kind, rawURL, status string, size int) {
	Init()
	pagesTotal.WithLabelValues(kind, status).Inc()
	if size > 0 {
		pageBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(size))
	}
}

// ObserveRateLimitDelay records the duration of a limiter wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveDownload counts a finished download attempt.
func ObserveDownload(result string, size int64) {
	Init()
	downloadsTotal.WithLabelValues(result).Inc()
	if size > 0 {
		downloadBytesTotal.Add(float64(size))
	}
}

// ObserveNormalize counts an archive normalization outcome.
func ObserveNormalize(outcome string) {
	Init()
	normalizeTotal.WithLabelValues(outcome).Inc()
}

// SetQueueGauges publishes the current budget and backlog.
func SetQueueGauges(slots, pending int) {
	Init()
	availableSlots.Set(float64(slots))
	queueLength.Set(float64(pending))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
