// Package metrics provides Prometheus metrics for the agora server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agora_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
		[]string{"route"},
	)

	// File metrics
	filesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_files_served_total",
			Help: "Total number of files streamed to clients",
		},
		[]string{"access"},
	)

	bytesServedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_bytes_served_total",
			Help: "Total file bytes streamed to clients",
		},
		[]string{"access"},
	)

	// Lightning metrics
	invoicesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agora_invoices_created_total",
			Help: "Total number of invoices created for paid files",
		},
	)

	invoiceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_invoice_lookups_total",
			Help: "Total invoice lookups by result",
		},
		[]string{"result"},
	)

	lightningErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agora_lightning_errors_total",
			Help: "Total failed lightning node requests",
		},
		[]string{"op"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric. route must be one of a
// small fixed set of names, never a raw URL path.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(route string) {
	rateLimitedTotal.WithLabelValues(route).Inc()
}

// RecordFileServed records a streamed file.
func RecordFileServed(paid bool, bytes int64) {
	access := accessLabel(paid)
	filesServedTotal.WithLabelValues(access).Inc()
	bytesServedTotal.WithLabelValues(access).Add(float64(bytes))
}

// RecordInvoiceCreated records a new invoice.
func RecordInvoiceCreated() {
	invoicesCreatedTotal.Inc()
}

// RecordInvoiceLookup records the outcome of an invoice lookup: "settled",
// "pending", "not_found" or "error".
func RecordInvoiceLookup(result string) {
	invoiceLookupsTotal.WithLabelValues(result).Inc()
}

// RecordLightningError records a failed node request.
func RecordLightningError(op string) {
	lightningErrorsTotal.WithLabelValues(op).Inc()
}

func accessLabel(paid bool) string {
	if paid {
		return "paid"
	}
	return "free"
}
