package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"callcore-backend/internal/database"
	"callcore-backend/pkg/response"
)

// RateLimitRecorder counts rejected requests
type RateLimitRecorder interface {
	RecordRateLimitBlocked(endpoint, backend string)
}

// RateLimiterConfig holds per-identity limits
type RateLimiterConfig struct {
	Requests int
	Window   time.Duration
	Burst    int
}

// RateLimiter is a Redis fixed-window limiter shared by all instances. While
// Redis is degraded each instance falls back to its own token buckets with the
// same average rate.
type RateLimiter struct {
	redis    *database.RedisClient
	config   RateLimiterConfig
	recorder RateLimitRecorder
	log      *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter. redis and recorder may be nil.
func NewRateLimiter(redis *database.RedisClient, config RateLimiterConfig, recorder RateLimitRecorder, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Requests <= 0 {
		config.Requests = 1
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimiter{
		redis:    redis,
		config:   config,
		recorder: recorder,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := "ip:" + c.ClientIP()
		if userID, ok := UserID(c); ok {
			identifier = "user:" + userID.String()
		}

		allowed, backend := rl.allow(c, identifier)
		if !allowed {
			if rl.recorder != nil {
				rl.recorder.RecordRateLimitBlocked(c.FullPath(), backend)
			}
			response.TooManyRequests(c, "Rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(c *gin.Context, identifier string) (bool, string) {
	if rl.redis != nil {
		key := fmt.Sprintf("ratelimit:%s:%s", identifier, c.FullPath())
		count, ttl, err := rl.redis.SafeIncrWindow(c.Request.Context(), key, rl.config.Window)
		if err == nil {
			remaining := int64(rl.config.Requests) - count
			if remaining < 0 {
				remaining = 0
			}
			c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Requests))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
			return count <= int64(rl.config.Requests), "redis"
		}
		if !errors.Is(err, database.ErrDegraded) {
			rl.log.Warn("Redis rate limit check failed, using local limiter",
				zap.String("identifier", identifier),
				zap.Error(err))
		}
	}
	return rl.limiter(identifier).Allow(), "memory"
}

func (rl *RateLimiter) limiter(identifier string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[identifier]
	if !exists {
		every := rl.config.Window / time.Duration(rl.config.Requests)
		limiter = rate.NewLimiter(rate.Every(every), rl.config.Burst)
		rl.limiters[identifier] = limiter
	}
	return limiter
}
