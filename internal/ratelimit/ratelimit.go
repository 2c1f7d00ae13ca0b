// Package ratelimit throttles API callers by user id, falling back to the
// client IP for unauthenticated requests.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/errandly/internal/auth"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate allowed per caller
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit (memory limiter only)
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig is the limit for ordinary API traffic.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// WithdrawalConfig is the tighter limit for endpoints that move money out.
func WithdrawalConfig() Config {
	return Config{
		RequestsPerMinute: 10,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
}

// Allower decides whether a caller identified by key may proceed. When it
// may not, retryAfter says how long to wait.
type Allower interface {
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration)
}

// Limiter is an in-process token bucket per key. Used when Redis is not
// configured; limits are per instance.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a memory limiter and starts its cleanup loop.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow implements Allower.
func (l *Limiter) Allow(_ context.Context, key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state, exists := l.clients[key]
	if !exists {
		l.clients[key] = &clientState{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	state.tokens += now.Sub(state.lastCheck).Seconds() * perSecond
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}
	wait := time.Duration((1 - state.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// RedisLimiter is a fixed one-minute window shared by every instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	logger *slog.Logger
	now    func() time.Time
}

// NewRedis creates a limiter whose counters live in Redis under prefix.
func NewRedis(client *redis.Client, prefix string, cfg Config, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: cfg.RequestsPerMinute, logger: logger, now: time.Now}
}

// Allow implements Allower. Redis errors let the request through.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration) {
	now := r.now()
	window := now.Truncate(time.Minute)
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", r.prefix, key, window.Unix())

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return true, 0
	}
	if incr.Val() > int64(r.limit) {
		return false, window.Add(time.Minute).Sub(now)
	}
	return true, 0
}

// Middleware rejects callers over their limit with 429.
func Middleware(a Allower) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if userID := auth.UserID(c); userID != "" {
			key = "user:" + userID
		}

		ok, retryAfter := a.Allow(c.Request.Context(), key)
		if !ok {
			secs := int(retryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
