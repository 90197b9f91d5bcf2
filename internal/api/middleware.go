package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"agora/internal/logging"
	"agora/internal/metrics"
	"agora/internal/web"
)

// Logger wraps a handler with request logging and metrics. Every request
// gets an id, taken from X-Request-ID when the client sent a sane one.
func Logger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 64 || strings.ContainsAny(id, " \t\r\n") {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			r = r.WithContext(logging.WithRequestID(r.Context(), id))

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := RouteName(r)
			duration := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, route, wrapped.status, duration)

			// Skip static assets at info level to reduce noise
			logf := log.Infow
			if route == routeStatic {
				logf = log.Debugw
			}
			logf("request",
				"method", r.Method,
				"path", r.URL.EscapedPath(),
				"status", wrapped.status,
				"duration", duration,
				"request_id", id,
			)
		})
	}
}

// Headers sets hardening and caching headers.
func Headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		// Embedded assets only change with the binary.
		if strings.HasPrefix(r.URL.Path, "/static/") {
			w.Header().Set("Cache-Control", "public, max-age=3600")
		} else {
			w.Header().Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// RequestsPerSecond is the rate limit for general requests per IP
	RequestsPerSecond float64
	// BurstSize is the maximum burst size allowed
	BurstSize int
	// InvoiceRequestsPerMinute is the rate limit for invoice pages and QR codes per IP
	InvoiceRequestsPerMinute float64
	// InvoiceBurstSize is the maximum burst for invoice requests
	InvoiceBurstSize int
	// TrustProxy takes the client IP from X-Forwarded-For and X-Real-IP
	TrustProxy bool
}

// DefaultRateLimitConfig returns sensible defaults for rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond:        20, // browsing fetches a page plus its assets
		BurstSize:                40,
		InvoiceRequestsPerMinute: 60, // one reload per second while waiting for payment
		InvoiceBurstSize:         10,
	}
}

const limiterTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix seconds
}

// ipRateLimiter manages per-IP rate limiters. Entries idle for longer than
// ttl are dropped by a background sweep.
type ipRateLimiter struct {
	limiters sync.Map // map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func newIPRateLimiter(r float64, burst int) *ipRateLimiter {
	return newIPRateLimiterWithTTL(r, burst, limiterTTL)
}

func newIPRateLimiterWithTTL(r float64, burst int, ttl time.Duration) *ipRateLimiter {
	rl := &ipRateLimiter{
		rate:  rate.Limit(r),
		burst: burst,
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *ipRateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now().Unix()
	if v, ok := rl.limiters.Load(ip); ok {
		entry := v.(*limiterEntry)
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry := &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	entry.lastSeen.Store(now)
	v, _ := rl.limiters.LoadOrStore(ip, entry)
	return v.(*limiterEntry).limiter
}

func (rl *ipRateLimiter) sweep() {
	ticker := time.NewTicker(rl.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.ttl).Unix()
	rl.limiters.Range(func(key, v any) bool {
		if v.(*limiterEntry).lastSeen.Load() < cutoff {
			rl.limiters.Delete(key)
		}
		return true
	})
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *ipRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiter applies per-IP limits, with a stricter bucket for invoice
// requests, which cost a round trip to the Lightning node.
type RateLimiter struct {
	general    *ipRateLimiter
	invoice    *ipRateLimiter
	trustProxy bool
	log        *zap.SugaredLogger
}

// NewRateLimiter creates a rate limiter. Call Stop when done.
func NewRateLimiter(cfg RateLimitConfig, log *zap.SugaredLogger) *RateLimiter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RateLimiter{
		general: newIPRateLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
		invoice:    newIPRateLimiter(cfg.InvoiceRequestsPerMinute/60, cfg.InvoiceBurstSize),
		trustProxy: cfg.TrustProxy,
		log:        log,
	}
}

// Middleware wraps next with the rate limiter.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.trustProxy)
		route := RouteName(r)

		// Use stricter limits for invoice lookups
		limiter := rl.general.getLimiter(ip)
		if route == routeInvoice || route == routeQRCode {
			limiter = rl.invoice.getLimiter(ip)
		}

		if !limiter.Allow() {
			rl.log.Warnw("rate limit exceeded", "ip", ip, "method", r.Method, "path", r.URL.EscapedPath())
			metrics.RecordRateLimited(route)
			w.Header().Set("Retry-After", "1")
			if err := web.RenderError(w, http.StatusTooManyRequests); err != nil {
				rl.log.Errorw("failed to render error page", "error", err)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop releases the background sweeps.
func (rl *RateLimiter) Stop() {
	rl.general.Stop()
	rl.invoice.Stop()
}

// clientIP identifies the client behind r. Forwarding headers are only
// read when trustProxy is set.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Take the first IP (the client)
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
