// Package ratelimit provides keyed request limiters for the HTTP middleware.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Config holds limiter configuration
type Config struct {
	Limit    int           `envconfig:"REDEEM_RATE_LIMIT" default:"100"`
	Window   time.Duration `envconfig:"REDEEM_RATE_WINDOW" default:"1h"`
	RedisURL string        `envconfig:"REDIS_URL"`
}

// Validate rejects settings no limiter can enforce
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("REDEEM_RATE_LIMIT must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("REDEEM_RATE_WINDOW must be positive, got %s", c.Window)
	}
	return nil
}

// fixedWindowScript increments the window counter and arms its expiry on first hit.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is a fixed-window limiter shared by every process using the same Redis.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// NewRedisLimiter creates a limiter allowing limit hits per window for each key
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

// Allow implements middleware.RateLimiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowStart := time.Now().Truncate(l.window).Unix()
	redisKey := fmt.Sprintf("%s:{%s}:%d", l.prefix, key, windowStart)

	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("running rate limit script: %w", err)
	}
	return count <= int64(l.limit), nil
}

// MemoryLimiter is a per-key token bucket kept in process memory.
// The bucket holds limit tokens and refills one every window/limit.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	now     func() time.Time
	calls   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// SetClock replaces the limiter's time source
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow implements middleware.RateLimiter. A limiter without a positive
// limit and window admits nothing.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.limit <= 0 || l.window <= 0 {
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.limit))
		b = &bucket{limiter: rate.NewLimiter(every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	l.calls++
	if l.calls%1000 == 0 {
		l.evict(now)
	}

	return b.limiter.AllowN(now, 1), nil
}

// evict drops buckets idle for a full window; they would be full again anyway.
func (l *MemoryLimiter) evict(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.buckets, key)
		}
	}
}
