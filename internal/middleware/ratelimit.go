package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"teleconsult-backend/internal/database"
)

// RateLimiter implements Redis-based fixed-window rate limiting.
// Useful for the session provisioning and push token endpoints; the
// signaling WebSocket is capped separately by its connection semaphore.
type RateLimiter struct {
	redisClient *database.RedisClient
	requests    int
	window      time.Duration
}

// NewRateLimiter creates a new rate limiter allowing `requests` per `window`
func NewRateLimiter(redisClient *database.RedisClient, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		requests:    requests,
		window:      window,
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Per-user when authenticated, per-IP otherwise
		var identifier string
		if userID, exists := c.Get("user_id"); exists {
			identifier = fmt.Sprintf("user:%v", userID)
		} else {
			identifier = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		allowed, remaining, resetTime, err := rl.checkRateLimit(c.Request.Context(), identifier)
		if err != nil {
			// Fail-open when Redis is unavailable or degraded
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))

		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     rl.requests,
				"remaining": remaining,
				"reset_at":  resetTime,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) checkRateLimit(ctx context.Context, identifier string) (bool, int, int64, error) {
	if rl.redisClient.IsDegraded() {
		return false, 0, 0, fmt.Errorf("redis degraded")
	}

	key := fmt.Sprintf("ratelimit:%s", identifier)
	now := time.Now().Unix()

	pipe := rl.redisClient.Client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, fmt.Errorf("failed to update rate limit: %w", err)
	}

	count := int(incr.Val())
	remaining := rl.requests - count
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redisClient.Client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, 0, fmt.Errorf("failed to read rate limit window: %w", err)
	}
	resetTime := now + int64(ttl.Seconds())

	return count <= rl.requests, remaining, resetTime, nil
}
