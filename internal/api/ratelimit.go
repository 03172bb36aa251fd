package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter returns a Gin middleware that enforces per-IP token-bucket
// rate limiting. rps is the steady-state requests per second; burst is the
// maximum burst size. Entries idle for ten minutes are swept every five
// until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limiters := xsync.NewMap[string, *ipLimiter]()

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
				limiters.Range(func(ip string, l *ipLimiter) bool {
					if l.lastSeen.Load() < cutoff {
						limiters.Delete(ip)
					}
					return true
				})
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		ip := c.ClientIP()
		l, ok := limiters.Load(ip)
		if !ok {
			l, _ = limiters.LoadOrStore(ip, &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)})
		}
		l.lastSeen.Store(time.Now().UnixNano())

		if !l.limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
