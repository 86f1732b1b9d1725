// Package metrics provides Prometheus instrumentation for the card engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts completed sales, partitioned by currency.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardengine_settlements_total",
		Help: "Total number of completed sales",
	}, []string{"currency"})

	// SettlementFailures counts sales whose buyer-side card credit failed
	// after the payment leg committed.
	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_settlement_failures_total",
		Help: "Sales recorded for manual reconciliation",
	})

	// ListingsCreated counts new sale listings.
	ListingsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_listings_created_total",
		Help: "Total number of listings created",
	})

	// OffersPlaced counts offers placed, partitioned by currency.
	OffersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardengine_offers_placed_total",
		Help: "Total number of offers placed",
	}, []string{"currency"})

	// DrawsTotal counts pack-opening requests.
	DrawsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_draws_total",
		Help: "Total number of pack draw requests",
	})

	// CardsDrawn counts individual cards produced by draws.
	CardsDrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_cards_drawn_total",
		Help: "Total number of cards drawn from packs",
	})

	// FusionsTotal counts completed fusions.
	FusionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_fusions_total",
		Help: "Total number of completed fusions",
	})

	// StockRejections counts operations rejected for insufficient stock.
	StockRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cardengine_stock_rejections_total",
		Help: "Operations rejected for insufficient stock",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cardengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardengine_http_request_duration_seconds",
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
