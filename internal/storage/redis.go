package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"turbotaai/apps/backend/internal/access"
)

// NewRedis connects to rawURL and pings it. An empty URL means no Redis.
func NewRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements access.Locker with SET NX PX. The release only
// deletes the key while it still holds this holder's token.
type RedisLocker struct {
	Client *redis.Client
	Prefix string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{Client: client, Prefix: "lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l.Client == nil {
		return func(context.Context) error { return nil }, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	redisKey := l.Prefix + key
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, access.ErrLocked
	}
	return func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.Client, []string{redisKey}, token).Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}, nil
}

var _ access.Locker = (*RedisLocker)(nil)
