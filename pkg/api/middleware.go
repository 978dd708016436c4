package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/dhananjayaaps/k8s-policy-as-a-service/internal/metrics"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

// metricsMiddleware records request counts and latency by route template.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

func newRateLimiterMap(rps float64, burst int) *rateLimiterMap {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiterMap{
		limiters: make(map[string]*ipLimiter, 64),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

func (rl *rateLimiterMap) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[ip] = &ipLimiter{limiter: limiter, lastSeen: now}
		return limiter
	}

	entry.lastSeen = now
	return entry.limiter
}

// prune drops limiters idle longer than rateLimitEntryTTL. rl.mu must be held.
func (rl *rateLimiterMap) prune(now time.Time) {
	for ip, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > rateLimitEntryTTL {
			delete(rl.limiters, ip)
		}
	}
}

// rateLimitMiddleware limits mutating requests per client IP. Reads pass
// through untouched.
func rateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiterMap := newRateLimiterMap(rps, burst)
	var lastPrune time.Time

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		limiterMap.mu.Lock()
		if time.Since(lastPrune) > rateLimitCleanupInterval {
			limiterMap.prune(limiterMap.now())
			lastPrune = time.Now()
		}
		limiterMap.mu.Unlock()

		if !limiterMap.getLimiter(c.ClientIP()).Allow() {
			metrics.RateLimitRejects.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}

		c.Next()
	}
}
