package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// ClientRateLimiter implements sliding window rate limiting per client
type ClientRateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	clients           map[string][]time.Time
	now               func() time.Time
}

// NewClientRateLimiter creates a limiter allowing requestsPerMinute per
// client address. Zero or less disables limiting.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		clients:           make(map[string][]time.Time),
		now:               time.Now,
	}
}

// Allow records a request from client and reports whether it is within
// the limit.
func (r *ClientRateLimiter) Allow(client string) bool {
	if r.requestsPerMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	recent := r.clients[client][:0]
	for _, t := range r.clients[client] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= r.requestsPerMinute {
		r.clients[client] = recent
		return false
	}
	r.clients[client] = append(recent, now)
	return true
}

// Middleware answers 429 once a client exceeds its budget.
func (r *ClientRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Allow(clientAddr(req)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
