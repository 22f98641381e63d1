// Package metrics exposes Prometheus collectors for the spider engine.
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
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerBytesTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	agentsRunning              prometheus.Gauge
	agentFaultsTotal           *prometheus.CounterVec
	scheduledJobs              prometheus.Gauge
	jobTriggersTotal           *prometheus.CounterVec
	requestsDispatchedTotal    *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		agentsRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_engine_agents_running",
				Help: "Number of spiders whose run loop is active.",
			},
		)

		agentFaultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_engine_agent_faults_total",
				Help: "Total number of spider run loops that ended with an error or panic.",
			},
			[]string{"spider"},
		)

		scheduledJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_engine_scheduled_jobs",
				Help: "Number of live cron jobs, spider and proxy refresh jobs included.",
			},
		)

		jobTriggersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_engine_job_triggers_total",
				Help: "Total number of cron triggers handled, labeled by job kind.",
			},
			[]string{"kind"},
		)

		requestsDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_engine_requests_dispatched_total",
				Help: "Total number of requests admitted to the work queue, labeled by spider and origin.",
			},
			[]string{"spider", "origin"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-site rate limiter.",
				Buckets: prometheus.DefBuckets,
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
	return promhttp.Handler()
}

// ObserveCrawl increments the page metrics for one fetch.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncAgentsRunning increments the running spiders gauge.
func IncAgentsRunning() {
	Init()
	agentsRunning.Inc()
}

// DecAgentsRunning decrements the running spiders gauge.
func DecAgentsRunning() {
	Init()
	agentsRunning.Dec()
}

// ObserveAgentFault counts a failed spider run loop.
func ObserveAgentFault(spider string) {
	Init()
	agentFaultsTotal.WithLabelValues(spider).Inc()
}

// SetScheduledJobs records the number of live cron jobs.
func SetScheduledJobs(n int) {
	Init()
	scheduledJobs.Set(float64(n))
}

// ObserveJobTrigger counts one cron trigger of the given kind.
func ObserveJobTrigger(kind string) {
	Init()
	jobTriggersTotal.WithLabelValues(kind).Inc()
}

// ObserveDispatch counts a request admitted to the queue for spider.
func ObserveDispatch(spider, origin string) {
	Init()
	requestsDispatchedTotal.WithLabelValues(spider, origin).Inc()
}

// ObserveRateLimitDelay records how long a fetch waited for a rate-limit token.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}
