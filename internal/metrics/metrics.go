// Package metrics exposes Prometheus collectors for the pipeline.
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
	jobsTotal                  *prometheus.CounterVec
	pagesExtractedTotal        *prometheus.CounterVec
	credentialTransitionsTotal *prometheus.CounterVec
	enrichmentFailuresTotal    *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	deadLetteredTotal          prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmill_jobs_total",
				Help: "Jobs processed, labeled by kind and terminal status.",
			},
			[]string{"kind", "status"},
		)

		pagesExtractedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmill_pages_extracted_total",
				Help: "Pages extracted, labeled by site and strategy.",
			},
			[]string{"site", "strategy"},
		)

		credentialTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmill_credential_transitions_total",
				Help: "Credential state transitions recorded by the broker.",
			},
			[]string{"status"},
		)

		enrichmentFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsmill_enrichment_failures_total",
				Help: "Degraded enrichment steps, labeled by step.",
			},
			[]string{"step"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsmill_queue_depth",
				Help: "Jobs currently buffered in the queue.",
			},
		)

		deadLetteredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "newsmill_dead_lettered_total",
				Help: "Jobs moved to the dead-letter list after exhausting retries.",
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

// SanitizeSite reduces a URL to a lowercase hostname, or "unknown".
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

// ObserveJob increments the job counter for the given kind and status.
func ObserveJob(kind, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObservePageExtracted records a completed page extraction.
func ObservePageExtracted(site, strategy string) {
	if pagesExtractedTotal == nil {
		return
	}
	pagesExtractedTotal.WithLabelValues(SanitizeSite(site), strategy).Inc()
}

// ObserveCredentialTransition records a broker state transition.
func ObserveCredentialTransition(status string) {
	if credentialTransitionsTotal == nil {
		return
	}
	credentialTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveEnrichmentFailure records a degraded enrichment step.
func ObserveEnrichmentFailure(step string) {
	if enrichmentFailuresTotal == nil {
		return
	}
	enrichmentFailuresTotal.WithLabelValues(step).Inc()
}

// SetQueueDepth updates the buffered-jobs gauge.
func SetQueueDepth(depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// ObserveDeadLetter counts a job falling off the retry policy.
func ObserveDeadLetter() {
	if deadLetteredTotal == nil {
		return
	}
	deadLetteredTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
