package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter manages per-client rate limiting using token buckets.
type TokenBucketLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter creates a limiter allowing r requests per second
// with the given burst.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	rl := &TokenBucketLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(r),
		burst:    b,
	}
	go rl.cleanupLoop()
	return rl
}

// getVisitor returns the rate limiter for a client IP
func (rl *TokenBucketLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupLoop removes idle entries
func (rl *TokenBucketLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	for range ticker.C {
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Allow reports whether the client may proceed.
func (rl *TokenBucketLimiter) Allow(ip string) bool {
	return rl.getVisitor(ip).Allow()
}

// EndpointRateLimiter applies tighter limits to the heavy endpoints and a
// generous default everywhere else. Health checks are never limited.
type EndpointRateLimiter struct {
	limiters   map[string]*TokenBucketLimiter
	distribute *TokenBucketLimiter
	fallback   *TokenBucketLimiter
}

// NewEndpointRateLimiter creates the coordinator's rate limit policy.
// Distribution runs move file bytes, so they get the tightest limit.
// fallbackRPS tunes the general-traffic bucket; zero keeps the default
// of 100 requests per second.
func NewEndpointRateLimiter(fallbackRPS float64) *EndpointRateLimiter {
	if fallbackRPS <= 0 {
		fallbackRPS = 100
	}
	return &EndpointRateLimiter{
		limiters: map[string]*TokenBucketLimiter{
			"/api/nodes/register": NewTokenBucketLimiter(5, 10),
			"/api/auth/login":     NewTokenBucketLimiter(5, 10),
		},
		distribute: NewTokenBucketLimiter(2, 4),
		fallback:   NewTokenBucketLimiter(fallbackRPS, int(fallbackRPS*2)),
	}
}

// limiterFor picks the limiter for a path; distribute is matched by
// suffix since the file ID sits in the middle.
func (erl *EndpointRateLimiter) limiterFor(path string) *TokenBucketLimiter {
	if l, ok := erl.limiters[path]; ok {
		return l
	}
	if strings.HasSuffix(path, "/distribute") {
		return erl.distribute
	}
	return erl.fallback
}

// Middleware returns the rate limiting middleware
func (erl *EndpointRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/tunnel" {
			next.ServeHTTP(w, r)
			return
		}

		ip := getRealIP(r)
		if !erl.limiterFor(r.URL.Path).Allow(ip) {
			IncrementRateLimitHits()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
