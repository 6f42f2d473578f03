package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how many requests per second (with burst) a single
// authenticated agent may issue against one route group.
type RateLimitConfig struct {
	RatePerSecond float64
	Burst         int
}

// RateLimiter buckets requests per agent id rather than per IP, since every
// caller here is an authenticated agent, not an anonymous browser. Adapted
// from gateway/middleware's visitor-bucket limiter.
type RateLimiter struct {
	cfg RateLimitConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &RateLimiter{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Middleware must run after Authenticator.Middleware so AgentID(ctx) is set;
// it buckets by agent id, falling back to remote address for unauthenticated
// requests that reach it (e.g. webhook callers, which should skip this
// middleware entirely).
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := AgentID(req.Context())
		if key == "" {
			key = req.RemoteAddr
		}
		limiter := r.limiterFor(key)
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst)
	r.limiters[key] = l
	go r.expire(key)
	return l
}

func (r *RateLimiter) expire(key string) {
	time.Sleep(10 * time.Minute)
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
