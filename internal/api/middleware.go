// CLAUDE:SUMMARY HTTP middleware: security headers, request logging and metrics, IP-based rate limiter with bucket sweeping
package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pkg/kit"
	"github.com/hazyhaar/pkg/shield"
)

// apiHeaders is the shield header set for a JSON-only API: nothing may be
// framed, scripted or embedded.
var apiHeaders = shield.HeaderConfig{
	CSP:                 "default-src 'none'; frame-ancestors 'none'",
	XFrameOptions:       "DENY",
	XContentTypeOptions: "nosniff",
	ReferrerPolicy:      "no-referrer",
	PermissionsPolicy:   "camera=(), microphone=(), geolocation=()",
}

// SecurityHeaders wraps a handler with the headers a JSON-only API needs.
func SecurityHeaders(next http.Handler) http.Handler {
	withHeaders := shield.SecurityHeaders(apiHeaders)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		withHeaders.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request.
func RequestLogger(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info("http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("trace_id", kit.GetTraceID(r.Context())),
		)
	})
}

// RequestRecorder persists per-request measurements.
type RequestRecorder interface {
	RecordRequest(route string, status int, d time.Duration)
}

// RequestMetrics records the duration of every request, labelled by the
// matched route pattern so label cardinality stays bounded.
func RequestMetrics(rec RequestRecorder, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		rec.RecordRequest(route, sr.status, time.Since(start))
	})
}

// RateLimiter tracks request counts per IP within a rolling window.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*rateBucket
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter with the given request limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*rateBucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow returns true if the request from ip is within the rate limit.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > rl.window {
		for k, b := range rl.clients {
			if now.After(b.resetAt) {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	bucket, ok := rl.clients[ip]
	if !ok || now.After(bucket.resetAt) {
		rl.clients[ip] = &rateBucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}
	bucket.count++
	return bucket.count <= rl.limit
}

// RateLimitMiddleware wraps a handler with rate limiting (429 Too Many Requests).
func RateLimitMiddleware(rl *RateLimiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// First hop is the client.
		ip, _, _ = strings.Cut(fwd, ",")
		ip = strings.TrimSpace(ip)
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return ip
}
