package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fragment_coordinator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Node metrics
	nodesOnlineGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fragment_coordinator_nodes_online",
			Help: "Number of online storage nodes",
		},
	)

	nodesTotalGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fragment_coordinator_nodes_total",
			Help: "Total number of registered storage nodes",
		},
	)

	nodeRegistrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_node_registrations_total",
			Help: "Total number of node registrations",
		},
	)

	// File metrics
	filesTrackedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fragment_coordinator_files_tracked",
			Help: "Number of files under management",
		},
	)

	distributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_distributions_total",
			Help: "Total number of distribution runs",
		},
		[]string{"outcome"}, // "full" or "partial"
	)

	retrievalRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_retrieval_requests_total",
			Help: "Total number of retrieval plan requests",
		},
	)

	// Relay metrics
	relayPeersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fragment_coordinator_relay_peers",
			Help: "Connected relay peers",
		},
		[]string{"kind"}, // "node" or "client"
	)

	// Pusher metrics, mirrored from the pusher's own counters.
	placementsDriven = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fragment_coordinator_placements_driven",
			Help: "Placement pushes since start, by outcome",
		},
		[]string{"outcome"}, // "stored", "verified", "failed"
	)

	// Auth metrics
	authFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_auth_failures_total",
			Help: "Total authentication failures",
		},
	)

	rateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fragment_coordinator_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
	)
)

// PrometheusMiddleware wraps HTTP handlers with metrics collection
func PrometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusResponseWriter wraps http.ResponseWriter to capture status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// normalizePath collapses IDs out of paths to keep label cardinality flat.
func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/nodes/") && path != "/api/nodes/top":
		if strings.HasSuffix(path, "/maintenance") {
			return "/api/nodes/{id}/maintenance"
		}
		if strings.HasSuffix(path, "/reputation") {
			return "/api/nodes/{id}/reputation"
		}
		return "/api/nodes/{id}"
	case strings.HasPrefix(path, "/api/files/"):
		if strings.HasSuffix(path, "/distribute") {
			return "/api/files/{id}/distribute"
		}
		if strings.HasSuffix(path, "/status") {
			return "/api/files/{id}/status"
		}
		return "/api/files/{id}"
	default:
		return path
	}
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// UpdateNodeGauges updates node-related gauges
func UpdateNodeGauges(online, total int) {
	nodesOnlineGauge.Set(float64(online))
	nodesTotalGauge.Set(float64(total))
}

// UpdateFileGauge updates the tracked-files gauge
func UpdateFileGauge(count int) {
	filesTrackedGauge.Set(float64(count))
}

// UpdateRelayGauges updates connected-peer gauges
func UpdateRelayGauges(clients, nodes int) {
	relayPeersGauge.WithLabelValues("client").Set(float64(clients))
	relayPeersGauge.WithLabelValues("node").Set(float64(nodes))
}

// UpdatePusherGauges mirrors the pusher's outcome counters.
func UpdatePusherGauges(stored, verified, failed int64) {
	placementsDriven.WithLabelValues("stored").Set(float64(stored))
	placementsDriven.WithLabelValues("verified").Set(float64(verified))
	placementsDriven.WithLabelValues("failed").Set(float64(failed))
}

// IncrementNodeRegistration increments the registration counter
func IncrementNodeRegistration() {
	nodeRegistrations.Inc()
}

// IncrementDistribution records a distribution outcome
func IncrementDistribution(full bool) {
	outcome := "partial"
	if full {
		outcome = "full"
	}
	distributionsTotal.WithLabelValues(outcome).Inc()
}

// IncrementRetrievalRequest increments the retrieval counter
func IncrementRetrievalRequest() {
	retrievalRequests.Inc()
}

// IncrementAuthFailures increments auth failure counter
func IncrementAuthFailures() {
	authFailures.Inc()
}

// IncrementRateLimitHits increments rate limit hit counter
func IncrementRateLimitHits() {
	rateLimitHits.Inc()
}
