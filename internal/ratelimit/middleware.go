package ratelimit

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
)

// Middleware guards one route with the scope's limit. A nil limiter
// or an unreachable redis fails open: capture availability beats
// throttling accuracy here.
func Middleware(l *Limiter, scope Scope) func(http.Handler) http.Handler {
	cfg, ok := DefaultLimits[scope]
	if !ok {
		cfg = LimitConfig{Rate: 60, Window: DefaultLimits[ScopeHLSStart].Window}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			decision, err := l.Check(r.Context(), scope, l.HashIP(ip), cfg)
			if err != nil {
				log.Printf("[WARN] rate limiter unavailable, failing open: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				http.Error(w, fmt.Sprintf("rate limit exceeded for %s", scope), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
