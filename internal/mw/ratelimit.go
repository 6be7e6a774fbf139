package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters stores a token bucket per client address.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	b       int
}

func newClientLimiters(r rate.Limit, b int) *clientLimiters {
	return &clientLimiters{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		b:       b,
	}
}

func (l *clientLimiters) get(addr string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.buckets[addr]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.buckets[addr] = lim
	}
	return lim
}

// RateLimiter throttles requests per client address. When ipHeader is set
// the client address is taken from that header (the reverse proxy's
// forwarded address); otherwise gin's ClientIP is used. Heartbeats and
// stream reconnects arrive frequently, so the limit applies per client, not
// globally.
func RateLimiter(r rate.Limit, b int, ipHeader string) gin.HandlerFunc {
	limiters := newClientLimiters(r, b)
	return func(c *gin.Context) {
		addr := c.ClientIP()
		if ipHeader != "" {
			if v := c.GetHeader(ipHeader); v != "" {
				addr = v
			}
		}
		if !limiters.get(addr).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
