package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"turbotaai/apps/backend/internal/access"
)

var attemptScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter counts attempts per key in a fixed window shared by every API
// instance. When Redis is missing or failing it falls back to the in-process
// limiter.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *MemoryLimiter
}

func NewRedisLimiter(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "rl:",
		Fallback: NewMemoryLimiter(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := attemptScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Int64()
	if err != nil {
		return l.fallback(ctx, key, limit)
	}
	return int(count) <= limit, nil
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) (bool, error) {
	if l.Fallback == nil {
		return true, nil
	}
	return l.Fallback.Allow(ctx, key, limit)
}

// MemoryLimiter keeps one token bucket per key, refilled at limit per window.
type MemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	limit    int
	lastSeen time.Time
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{window: window, buckets: make(map[string]*bucket)}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)

	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		every := l.window / time.Duration(limit)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), limit), limit: limit}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

func (l *MemoryLimiter) cleanup(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.window {
			delete(l.buckets, key)
		}
	}
}

var (
	_ access.AttemptLimiter = (*RedisLimiter)(nil)
	_ access.AttemptLimiter = (*MemoryLimiter)(nil)
)
