package auth

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window request counter keyed by client identity.
// Windows are tracked in memory; stale entries are swept at most once per
// window during Allow, so clients that never return do not accumulate.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu        sync.Mutex
	clients   map[string]*clientWindow
	lastSweep time.Time
}

type clientWindow struct {
	count       int
	windowStart time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:     limit,
		window:    window,
		clients:   make(map[string]*clientWindow),
		lastSweep: time.Now(),
	}
}

// Allow counts one request for a client. When over the limit it returns
// false plus the seconds left in the current window.
func (rl *RateLimiter) Allow(client string) (bool, int) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) >= rl.window {
		for id, cw := range rl.clients {
			if now.Sub(cw.windowStart) >= rl.window {
				delete(rl.clients, id)
			}
		}
		rl.lastSweep = now
	}

	cw, ok := rl.clients[client]
	if !ok || now.Sub(cw.windowStart) >= rl.window {
		rl.clients[client] = &clientWindow{count: 1, windowStart: now}
		return true, 0
	}

	if cw.count >= rl.limit {
		retryAfter := int(rl.window.Seconds() - now.Sub(cw.windowStart).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	cw.count++
	return true, 0
}

// RateLimitMiddleware rejects clients over the fixed-window budget with 429
// and a retry-after hint.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := rl.Allow(c.ClientIP())
		if !ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success":    false,
				"error":      "Rate limit exceeded",
				"retryAfter": retryAfter,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
