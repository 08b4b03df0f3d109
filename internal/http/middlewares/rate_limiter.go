package middlewares

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces a fixed window per derived key. Redis makes the
// window shared across API instances; when Redis is down or absent the
// limiter degrades to a per-process in-memory window rather than
// blocking traffic.
type RateLimiter struct {
	rdb    *redis.Client
	window time.Duration
	limit  int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	count     int
	windowEnd time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:     rdb,
		limit:   limit,
		window:  window,
		clients: make(map[string]*clientBucket),
	}
}

// Middleware returns a gin.HandlerFunc that enforces the limit for a derived key.
func (rl *RateLimiter) RateLimiterMiddleware(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)

		if key == "" {
			// fallback to IP if key cannot be derived
			key = clientIP(c)
		}

		count, retryAfter, ok := rl.incrRedis(c.Request.Context(), key)

		if !ok {
			count, retryAfter = rl.incrMemory(key)
		}

		if count > rl.limit {
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"ok": false,
				"error": gin.H{
					"code":    "rate_limited",
					"message": "Too many requests. Please try again shortly.",
				},
			})
			return
		}

		c.Next()
	}
}

// incrRedis bumps the shared fixed-window counter. ok=false means Redis
// was unreachable and the caller should fall back.
func (rl *RateLimiter) incrRedis(ctx context.Context, key string) (count, retryAfter int, ok bool) {
	if rl.rdb == nil {
		return 0, 0, false
	}

	windowStart := time.Now().Truncate(rl.window).Unix()
	redisKey := "ratelimit:" + key + ":" + strconv.FormatInt(windowStart, 10)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, false
	}

	windowEnd := time.Unix(windowStart, 0).Add(rl.window)
	retryAfter = int(time.Until(windowEnd).Seconds())

	if retryAfter < 0 {
		retryAfter = 0
	}

	return int(incr.Val()), retryAfter, true
}

func (rl *RateLimiter) incrMemory(key string) (count, retryAfter int) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[key]

	if !ok || now.After(b.windowEnd) {
		rl.clients[key] = &clientBucket{count: 1, windowEnd: now.Add(rl.window)}
		return 1, int(rl.window.Seconds())
	}

	b.count++

	retryAfter = int(time.Until(b.windowEnd).Seconds())

	if retryAfter < 0 {
		retryAfter = 0
	}
	return b.count, retryAfter
}

// for unauthenticated endpoints: rate limit by IP
func KeyByIP(c *gin.Context) string {
	return clientIP(c)
}

func clientIP(c *gin.Context) string {
	// Gin's ClientIP respects X-Forwarded-For / X-Real-IP if configured.
	ip := c.ClientIP()

	host, _, err := net.SplitHostPort(ip)

	if err == nil && host != "" {
		return host
	}

	return ip
}
