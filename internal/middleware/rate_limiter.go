package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter implements a simple token bucket rate limiter per client IP.
// It guards the operator power commands so a script cannot hammer the panel.
type RateLimiter struct {
	visitors  map[string]*Visitor
	mu        sync.Mutex
	rate      time.Duration
	burst     int
	now       func() time.Time
	lastPrune time.Time
}

type Visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
// rate: time between token refills
// burst: maximum number of tokens
func NewRateLimiter(rate time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*Visitor),
		rate:      rate,
		burst:     burst,
		now:       time.Now,
		lastPrune: time.Now(),
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.pruneLocked(now)

	visitor, exists := rl.visitors[ip]
	if !exists {
		visitor = &Visitor{tokens: rl.burst, lastSeen: now}
		rl.visitors[ip] = visitor
	}

	// Refill tokens based on time elapsed
	tokensToAdd := int(now.Sub(visitor.lastSeen) / rl.rate)
	if tokensToAdd > 0 {
		visitor.tokens += tokensToAdd
		if visitor.tokens > rl.burst {
			visitor.tokens = rl.burst
		}
		visitor.lastSeen = now
	}

	if visitor.tokens > 0 {
		visitor.tokens--
		return true
	}
	return false
}

// pruneLocked drops visitors idle for ten minutes, at most every five.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < 5*time.Minute {
		return
	}
	rl.lastPrune = now
	for ip, visitor := range rl.visitors {
		if now.Sub(visitor.lastSeen) > 10*time.Minute {
			delete(rl.visitors, ip)
		}
	}
}

// RateLimitMiddleware creates a Gin middleware for rate limiting
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error: "Rate limit exceeded",
				Code:  "RATE_LIMIT_EXCEEDED",
			})
			return
		}
		c.Next()
	}
}
