// Package httpmiddleware carries the gin middleware shared by the API surface.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter throttles the portal endpoints per client IP with a token
// bucket sized to RATE_LIMIT_PER_MIN. Buckets live in process memory; a
// multi-instance deployment would move the state to Redis.
type RateLimiter struct {
	perMinute int
	burst     float64

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	tokens   float64
	refilled time.Time
}

// NewRateLimiter builds a limiter allowing perMinute requests per client,
// with a burst of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     float64(perMinute),
		buckets:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// Handler enforces the limit. Health and metrics probes are never throttled;
// scrapers and orchestrators poll them on their own schedule.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !rl.take(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) take(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweep(now)

	b, ok := rl.buckets[key]
	if !ok {
		rl.buckets[key] = &clientBucket{tokens: rl.burst - 1, refilled: now}
		return true
	}

	b.tokens += now.Sub(b.refilled).Minutes() * float64(rl.perMinute)
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to be full again, at most once a
// minute, so one-off clients do not accumulate forever.
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.refilled) > 2*time.Minute {
			delete(rl.buckets, key)
		}
	}
}
