// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trueque",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trueque",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProposalsTotal counts proposal actions by outcome.
	ProposalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trueque",
			Name:      "proposals_total",
			Help:      "Total proposal actions by resulting status.",
		},
		[]string{"status"},
	)

	// ExchangesTotal counts exchange transitions by resulting status.
	ExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trueque",
			Name:      "exchanges_total",
			Help:      "Total exchange transitions by resulting status.",
		},
		[]string{"status"},
	)

	// MovementsTotal counts ledger movements by type code.
	MovementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trueque",
			Name:      "movements_total",
			Help:      "Total ledger movements by movement type.",
		},
		[]string{"type"},
	)

	// CreditsHeld tracks credits currently held in escrow.
	CreditsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trueque",
			Name:      "credits_held",
			Help:      "Credits currently held in escrow across all wallets.",
		},
	)

	// SettlementDuration observes time from exchange creation to completion.
	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trueque",
			Name:      "exchange_settlement_seconds",
			Help:      "Seconds from exchange creation to settlement.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 86400, 604800},
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trueque",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProposalsTotal,
		ExchangesTotal,
		MovementsTotal,
		CreditsHeld,
		SettlementDuration,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
