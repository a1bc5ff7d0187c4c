package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/redis"
)

// RateLimitMiddleware enforces a per-key request limit on the admin surface.
// keyFunc extracts the limit key from the request; an empty key skips the
// check. A limiter failure also lets the request through: the send gates are
// the enforcement that matters, this only guards the HTTP surface.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if limiter != nil {
				key = keyFunc(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed",
					zap.String("key", key),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(strings.TrimPrefix(key, "tenant:"))
				writeRateLimited(w, result.ResetAt)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, resetAt time.Time) {
	retryAfter := int(time.Until(resetAt).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "rate_limit_exceeded",
		Title:  "Too Many Requests",
		Status: http.StatusTooManyRequests,
		Detail: "Rate limit exceeded. Please retry after the specified time.",
	})
}

// TenantKeyFunc keys the limit on the tenant, from the X-Tenant-ID header or
// the tenant_id query param.
func TenantKeyFunc(r *http.Request) string {
	if id := r.Header.Get("X-Tenant-ID"); id != "" {
		return "tenant:" + id
	}
	if id := r.URL.Query().Get("tenant_id"); id != "" {
		return "tenant:" + id
	}
	return ""
}

// IPKeyFunc keys the limit on the client IP. Only the first hop of
// X-Forwarded-For counts, anything after it was appended by proxies.
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return "ip:" + strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
