package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

const userHeader = "X-User-ID"

// rateLimiter hands out one token bucket per caller.
type rateLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perSec float64, burst int) *rateLimiter {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *rateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(userHeader)
		if key == "" {
			key = r.RemoteAddr
		}
		if !l.get(key).Allow() {
			writeJSONError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireUser rejects requests without the gateway-issued user header.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeJSON(w, http.StatusBadRequest, APIError{Error: "missing " + userHeader + " header", Field: "user_id"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
