// Package httpkit provides HTTP middleware and response helpers shared by the
// API modules.
// This is part of the platform layer and contains no business logic.
package httpkit

import (
	"net/http"
	"sync"
	"time"

	"lead_router_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RequestLogger logs every request with its latency once the handler chain
// has finished. Request and contact ids come from the request context;
// server errors recorded with c.Error are logged at error level.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		reqLog := log.WithContext(c.Request.Context())
		if err := c.Errors.Last(); err != nil && status >= http.StatusInternalServerError {
			reqLog.HTTPError(c.Request.Method, path, status, err.Err, c.ClientIP())
			return
		}
		reqLog.HTTPRequest(c.Request.Method, path, status, float64(latency.Microseconds())/1000, c.ClientIP())
	}
}

// SecurityHeaders sets response headers for a JSON-only API.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")

		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}

const limiterIdleTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP. Buckets idle for
// limiterIdleTTL are evicted so senders that rotate addresses do not grow the
// map without bound.
type IPRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	rate      rate.Limit
	burst     int
	log       *logger.Logger
	now       func() time.Time
	lastSweep time.Time
}

// NewIPRateLimiter creates a limiter allowing r requests per second per IP
// with the given burst.
func NewIPRateLimiter(r rate.Limit, burst int, log *logger.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		rate:     r,
		burst:    burst,
		log:      log,
		now:      time.Now,
	}
}

// Allow consumes a token for ip.
func (i *IPRateLimiter) Allow(ip string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if now.Sub(i.lastSweep) > limiterIdleTTL {
		for key, l := range i.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(i.limiters, key)
			}
		}
		i.lastSweep = now
	}

	l, ok := i.limiters[ip]
	if !ok {
		l = &ipLimiter{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.limiters[ip] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

func (i *IPRateLimiter) size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.limiters)
}

// RateLimit returns a middleware that answers 429 once an IP spends its burst.
func (i *IPRateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !i.Allow(ip) {
			if i.log != nil {
				i.log.RateLimitExceeded(ip, c.Request.URL.Path)
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}

		c.Next()
	}
}
