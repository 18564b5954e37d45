// Package metrics provides Prometheus instrumentation for the exchange engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BetsTotal counts settled bets, partitioned by outcome and kind.
	BetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_bets_total",
		Help: "Total number of bets settled",
	}, []string{"outcome", "kind"}) // kind: buy | sell

	// SettlementLatency tracks end-to-end trade settlement latency,
	// including conflict retries.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_settlement_latency_seconds",
		Help:    "Trade settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// VersionConflicts counts optimistic-concurrency retries on market writes.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_version_conflicts_total",
		Help: "Market version conflicts that triggered a settlement retry",
	})

	// MarketsCreated counts created markets by outcome type.
	MarketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_markets_created_total",
		Help: "Total markets created",
	}, []string{"outcome_type"})

	// ResolutionPayouts counts individual payout txns issued by resolution
	// settlement.
	ResolutionPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_resolution_payouts_total",
		Help: "Resolution payout txns issued",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
