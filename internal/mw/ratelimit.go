package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters hands out one token bucket per client IP, created lazily.
type clientLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newClientLimiters(r rate.Limit, b int) *clientLimiters {
	return &clientLimiters{
		limiters: make(map[string]*rate.Limiter),
		r:        r,
		b:        b,
	}
}

func (cl *clientLimiters) get(ip string) *rate.Limiter {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	lim, ok := cl.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(cl.r, cl.b)
		cl.limiters[ip] = lim
	}
	return lim
}

// RateLimiter rejects requests above r per second (burst b) per client IP
// with 429. Mounted on the dashboard group only; device polling is paced by
// the ingestion throttle instead.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	clients := newClientLimiters(r, b)
	return func(c *gin.Context) {
		if !clients.get(c.ClientIP()).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
