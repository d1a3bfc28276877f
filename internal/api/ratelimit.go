package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"hookrelay/internal/apperr"
)

// RateLimiter keeps one token bucket per key; idle keys expire.
type RateLimiter struct {
	mu       sync.Mutex // makes lookup and insert of a new bucket atomic
	limiters *expirable.LRU[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

// NewRateLimiter returns nil when rps is not positive, which disables
// limiting.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](10000, nil, 5*time.Minute),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// Allow spends one token for key.
func (rl *RateLimiter) Allow(key string) error {
	if rl == nil {
		return nil
	}
	if !rl.bucket(key).Allow() {
		return apperr.RateLimited(key)
	}
	return nil
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters.Add(key, limiter)
	}
	return limiter
}

// clientKey identifies the caller for limiting: the bearer token or dev
// identity when present, else the client IP.
func clientKey(r *http.Request, trustProxy bool) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		return "auth:" + authz
	}
	if u := r.Header.Get(headerUserID); u != "" {
		return "user:" + u
	}
	return "ip:" + clientIP(r, trustProxy)
}

// clientIP is the peer address. X-Forwarded-For and X-Real-IP are only
// honoured behind a trusted proxy, since clients can set them freely.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
