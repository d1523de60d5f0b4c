package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// rateLimit enforces a per-client token bucket keyed by remote address. The
// chi RealIP middleware runs first, so the key honours X-Forwarded-For from
// the edge proxy.
func rateLimit(perSecond, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	if burst <= 0 {
		burst = 2 * perSecond
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*rate.Limiter)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter, ok := visitors[key]
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
			visitors[key] = limiter
		}
		return limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if host, _, err := net.SplitHostPort(key); err == nil {
				key = host
			}
			if !limiterFor(key).Allow() {
				logger.Warn("request rate limited", "client", key, "path", r.URL.Path)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
