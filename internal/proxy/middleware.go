package proxy

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/contentforge/ai-proxy/internal/auth"
	"github.com/contentforge/ai-proxy/pkg/ratelimit"
)

// RequestLogger logs one line per request with a correlation id. An inbound
// X-Request-Id is reused so the frontend can stitch traces together.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set("X-Request-Id", requestID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

// clientIP returns the remote address without the port. RealIP middleware
// has already rewritten RemoteAddr from forwarding headers where trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// limitKey identifies the caller for quota purposes: user id when
// authenticated, synthesized ip:<addr> otherwise.
func limitKey(r *http.Request) (string, ratelimit.Tier) {
	if id := auth.GetIdentity(r.Context()); id != nil {
		return id.UserID, id.Plan
	}
	return "ip:" + clientIP(r), ratelimit.TierFree
}

// RateLimit enforces the caller's hourly quota and stamps X-RateLimit-*
// headers on every response that passes through it.
func RateLimit(limiter *ratelimit.Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, tier := limitKey(r)
			d := limiter.Allow(key, tier)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset, 10))

				logger.Warn("rate limit exceeded",
					zap.String("key", key),
					zap.String("tier", string(tier)),
					zap.Int("limit", d.Limit))

				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error": fmt.Sprintf(
						"Rate limit exceeded. Your %s plan allows %d requests per hour. Please retry after %d seconds.",
						tierLabel(tier), d.Limit, d.RetryAfter),
					"code":       "RATE_LIMITED",
					"retryAfter": d.RetryAfter,
					"limit":      d.Limit,
					"tier":       tierLabel(tier),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func tierLabel(tier ratelimit.Tier) string {
	if tier == "" {
		return string(ratelimit.TierFree)
	}
	return string(tier)
}
