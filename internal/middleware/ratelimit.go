package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"adpilot/internal/config"
	appmetrics "adpilot/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimitMiddleware limits requests per key. The key is the tenant when
// authenticated, then the configured header, then the client IP.
func RateLimitMiddleware(rl config.RateLimitingConfig) gin.HandlerFunc {
	if !rl.Enabled || rl.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	var (
		mu      sync.Mutex
		buckets = make(map[string]*tokenBucket)
	)
	getBucket := func(key string, now time.Time) *tokenBucket {
		mu.Lock()
		defer mu.Unlock()
		if b, ok := buckets[key]; ok {
			return b
		}
		b := newBucket(rl.RequestsPerMinute, rl.Burst, now)
		buckets[key] = b
		return b
	}
	extractKey := func(c *gin.Context) string {
		if id, ok := TenantID(c); ok {
			return fmt.Sprintf("tenant:%d", id)
		}
		if rl.KeyHeader != "" {
			if hVal := c.GetHeader(rl.KeyHeader); hVal != "" {
				// X-Forwarded-For 取第一个
				if strings.EqualFold(rl.KeyHeader, "X-Forwarded-For") {
					return strings.TrimSpace(strings.Split(hVal, ",")[0])
				}
				return hVal
			}
		}
		if ip := c.ClientIP(); ip != "" {
			return ip
		}
		return "unknown"
	}
	return func(c *gin.Context) {
		key := extractKey(c)
		now := time.Now()
		if !getBucket(key, now).allow(now) {
			prefix := "ip"
			if strings.HasPrefix(key, "tenant:") {
				prefix = "tenant"
			}
			appmetrics.IncRateLimitDrop(prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
