package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// How long a client's token bucket survives without traffic before the
// janitor drops it.
const limiterIdleAfter = 10 * time.Minute

// ipRateLimiter hands out one token bucket per client address and evicts
// buckets that go idle so the map cannot grow without bound.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
}

type limiterEntry struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perSec float64, burst int) *ipRateLimiter {
	rl := &ipRateLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(perSec),
		burst:   burst,
	}
	go rl.janitor()
	return rl
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e, ok := rl.entries[ip]
	if !ok {
		e = &limiterEntry{bucket: rate.NewLimiter(rl.rate, rl.burst)}
		rl.entries[ip] = e
	}
	e.lastSeen = time.Now()
	return e.bucket.Allow()
}

// sweep drops every entry idle longer than limiterIdleAfter.
func (rl *ipRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, e := range rl.entries {
		if now.Sub(e.lastSeen) > limiterIdleAfter {
			delete(rl.entries, ip)
		}
	}
}

func (rl *ipRateLimiter) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for t := range ticker.C {
		rl.sweep(t)
	}
}

// rateLimitMiddleware rejects requests once the client's bucket is empty.
func rateLimitMiddleware(rl *ipRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// maxBytesMiddleware caps request body size. Declared lengths are rejected
// up front; chunked bodies are cut off by the reader.
func maxBytesMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
