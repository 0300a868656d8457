// Package metrics provides Prometheus instrumentation for the trade gateway.
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
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksReceived counts market data ticks accepted from upstream.
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ticks_received_total",
		Help: "Market data ticks accepted from upstream",
	})

	// TicksDiscarded counts ticks dropped for arriving too far out of order.
	TicksDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ticks_discarded_total",
		Help: "Ticks discarded as older than the reorder tolerance",
	})

	// SubscriberDrops counts ticks evicted from slow subscriber queues.
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_subscriber_drops_total",
		Help: "Ticks dropped (oldest first) from full subscriber queues",
	})

	// MarketSubscriptions tracks live market data subscriptions.
	MarketSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_market_subscriptions",
		Help: "Number of live market data subscriptions",
	})

	// UpstreamConnected is 1 while the market data connection is up.
	UpstreamConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_upstream_connected",
		Help: "1 if the upstream market data connection is established",
	})

	// UpstreamReconnects counts market data reconnect attempts.
	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_reconnects_total",
		Help: "Upstream market data reconnect attempts",
	})

	// ActiveSessions tracks users with an active brokerage session.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Users with an active brokerage session",
	})

	// OrdersSubmitted counts order submissions by outcome.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_orders_submitted_total",
		Help: "Order submissions by outcome",
	}, []string{"outcome"})

	// SubmitLatency tracks brokerage PlaceOrder latency.
	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_submit_latency_seconds",
		Help:    "Brokerage order placement latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// RiskRejections counts orders refused by the risk gate, by rule.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_risk_rejections_total",
		Help: "Orders rejected by the risk gate",
	}, []string{"rule"})

	// OrderEvents counts brokerage order events by kind.
	OrderEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_order_events_total",
		Help: "Brokerage order events received",
	}, []string{"kind"})

	// FillsApplied counts fills applied to positions.
	FillsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_fills_applied_total",
		Help: "Fills applied to positions",
	})

	// LateFills counts fills that arrived for an already-terminal order.
	LateFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_late_fills_total",
		Help: "Fills received for orders already in a terminal state",
	})

	// PersistenceFailures counts write-behind jobs that exhausted retries.
	PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_persistence_failures_total",
		Help: "Persistence writes that failed after retries",
	}, []string{"kind"})

	// PersistenceDegraded is 1 while durability is degraded.
	PersistenceDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_persistence_degraded",
		Help: "1 if recent persistence writes have failed",
	})

	// PersistenceQueueDepth tracks pending write-behind jobs.
	PersistenceQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_persistence_queue_depth",
		Help: "Pending write-behind jobs",
	})

	// WebSocketClients tracks connected tick stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
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

		// Route pattern keeps user ids and symbols out of the label set.
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}
