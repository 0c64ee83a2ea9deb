// Package metrics provides Prometheus instrumentation for the yield engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StakesTotal counts stakes committed by the ledger, partitioned by asset and choice.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_stakes_total",
		Help: "Total number of stakes committed",
	}, []string{"asset", "choice"})

	// StakeRejections counts stakes rejected before any external call, by reason.
	StakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_stake_rejections_total",
		Help: "Stakes rejected by the betting power guard",
	}, []string{"reason"})

	// StakeVolume tracks cumulative staked yield per asset.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_stake_volume_total",
		Help: "Cumulative staked yield",
	}, []string{"asset"})

	// FlashQuotes counts flash-advance quotes computed.
	FlashQuotes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yieldedge_flash_quotes_total",
		Help: "Flash advance quotes computed",
	})

	// FlashLocks counts flash-lock commitments accepted by the ledger.
	FlashLocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_flash_locks_total",
		Help: "Flash lock commitments accepted by the ledger",
	}, []string{"asset"})

	// ClaimsTotal counts reward claims accepted by the ledger.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yieldedge_claims_total",
		Help: "Reward claims accepted by the ledger",
	})

	// ConsistencyErrors counts clamped deposit reads.
	ConsistencyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_consistency_errors_total",
		Help: "Ledger reads that reported an impossible state and were clamped",
	}, []string{"asset"})

	// LedgerLatency tracks external ledger call latency by operation and result.
	LedgerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yieldedge_ledger_call_seconds",
		Help:    "External ledger call latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yieldedge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yieldedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yieldedge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveLedgerCall records the latency of one external ledger call.
func ObserveLedgerCall(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

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

		// Use the route pattern for path label to avoid high cardinality
		// from user addresses and market ids.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
