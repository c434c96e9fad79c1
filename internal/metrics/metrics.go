package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "theymissyou"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	feedReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reloads_total",
			Help:      "Total number of feed pipeline runs.",
		},
		[]string{"trigger", "result"},
	)

	feedReloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reload_duration_seconds",
			Help:      "Duration of feed pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	liveFeeds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "open",
			Help:      "Current number of open feeds.",
		},
	)

	staleResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_results_discarded_total",
			Help:      "Results dropped because a newer request superseded them.",
		},
		[]string{"component"},
	)

	membershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "groups",
			Name:      "membership_changes_total",
			Help:      "Total number of group membership changes.",
		},
		[]string{"kind"},
	)

	mediaCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "cache_lookups_total",
			Help:      "Media cache lookups by result.",
		},
		[]string{"result"},
	)

	duplicateUsernames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "users",
			Name:      "duplicate_usernames_total",
			Help:      "Registrations that raced and produced a duplicate username.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		feedReloads,
		feedReloadDuration,
		liveFeeds,
		staleResults,
		membershipChanges,
		mediaCache,
		duplicateUsernames,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler records request counts and latency per chi route pattern.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordFeedReload records one feed pipeline run.
func RecordFeedReload(trigger string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	feedReloads.WithLabelValues(trigger, result).Inc()
	feedReloadDuration.Observe(duration.Seconds())
}

// FeedOpened increments the open feed gauge.
func FeedOpened() { liveFeeds.Inc() }

// FeedClosed decrements the open feed gauge.
func FeedClosed() { liveFeeds.Dec() }

// RecordStaleResult counts a superseded result dropped by component.
func RecordStaleResult(component string) {
	staleResults.WithLabelValues(component).Inc()
}

// RecordMembershipChange counts a join, leave or delete.
func RecordMembershipChange(kind string) {
	membershipChanges.WithLabelValues(kind).Inc()
}

// RecordMediaLookup counts a media cache hit or miss.
func RecordMediaLookup(hit bool) {
	if hit {
		mediaCache.WithLabelValues("hit").Inc()
		return
	}
	mediaCache.WithLabelValues("miss").Inc()
}

// RecordDuplicateUsername counts a detected duplicate username.
func RecordDuplicateUsername() {
	duplicateUsernames.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
