package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics for the whitelist engine.
var (
	feedCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_cache_hits_total",
			Help: "Feed reads served from a fresh cached snapshot.",
		},
		[]string{"tier"},
	)

	feedCacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_cache_misses_total",
			Help: "Feed reads that triggered a snapshot rebuild.",
		},
		[]string{"tier"},
	)

	feedStaleServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_cache_stale_served_total",
			Help: "Feed reads answered with a stale snapshot after a rebuild failure.",
		},
		[]string{"tier"},
	)

	feedRegenFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_regen_failures_total",
			Help: "Snapshot rebuild attempts that returned an error.",
		},
		[]string{"tier"},
	)

	rolesyncEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rolesync_events_total",
			Help: "Role transition events by outcome.",
		},
		[]string{"outcome"},
	)

	rolesyncRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rolesync_retries_total",
		Help: "Transaction retries performed by the role synchronizer.",
	})

	authorityDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authority_decisions_total",
			Help: "Authority resolutions by decision and reason.",
		},
		[]string{"decision", "reason"},
	)
)

// Init registers every collector in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		feedCacheHits, feedCacheMisses, feedStaleServed, feedRegenFailures,
		rolesyncEvents, rolesyncRetries, authorityDecisions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// FeedCacheHit records a read served from a fresh snapshot.
func FeedCacheHit(tier string) { feedCacheHits.WithLabelValues(tier).Inc() }

// FeedCacheMiss records a read that forced a rebuild.
func FeedCacheMiss(tier string) { feedCacheMisses.WithLabelValues(tier).Inc() }

// FeedStaleServed records a stale snapshot served after a failed rebuild.
func FeedStaleServed(tier string) { feedStaleServed.WithLabelValues(tier).Inc() }

// FeedRegenFailure records a failed snapshot rebuild.
func FeedRegenFailure(tier string) { feedRegenFailures.WithLabelValues(tier).Inc() }

// RoleSyncEvent records the outcome of one processed role transition.
func RoleSyncEvent(outcome string) { rolesyncEvents.WithLabelValues(outcome).Inc() }

// RoleSyncRetry records one transaction retry inside the synchronizer.
func RoleSyncRetry() { rolesyncRetries.Inc() }

// AuthorityDecision records one resolver outcome.
func AuthorityDecision(decision, reason string) {
	authorityDecisions.WithLabelValues(decision, reason).Inc()
}

// Instrument wraps a handler with request counting, latency and in-flight
// tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code written by the wrapped handler.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
