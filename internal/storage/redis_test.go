package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"turbotaai/apps/backend/internal/access"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestNewRedisEmptyURLMeansDisabled(t *testing.T) {
	client, err := NewRedis(context.Background(), "  ")
	if err != nil || client != nil {
		t.Fatalf("expected nil client without error, got client=%v err=%v", client, err)
	}
}

func TestNewRedisConnects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	defer client.Close()

	if _, err := NewRedis(context.Background(), "not a url"); err == nil {
		t.Fatalf("expected parse error for malformed url")
	}
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "reconcile:device-a|account:user-1", 5*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "reconcile:device-a|account:user-1", 5*time.Second); !errors.Is(err, access.ErrLocked) {
		t.Fatalf("expected ErrLocked for second holder, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "reconcile:device-b|account:user-1", 5*time.Second); err != nil {
		t.Fatalf("expected a different pair to lock independently, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("lock:reconcile:device-a|account:user-1") {
		t.Fatalf("expected lock key removed on release")
	}
	if _, err := locker.Acquire(ctx, "reconcile:device-a|account:user-1", 5*time.Second); err != nil {
		t.Fatalf("expected lock free after release, got %v", err)
	}
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, client := newMiniRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	if _, err := locker.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be re-acquired, got %v", err)
	}
	if err := release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("lock:k") {
		t.Fatalf("expected stale release to leave the new holder's lock alone")
	}
}

func TestRedisLockerWithoutClientIsNoop(t *testing.T) {
	release, err := (&RedisLocker{}).Acquire(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestRedisLimiterCountsPerWindow(t *testing.T) {
	mr, client := newMiniRedis(t)
	limiter := NewRedisLimiter(client, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := limiter.Allow(ctx, "promo:device-a", 3)
		if err != nil || !ok {
			t.Fatalf("attempt %d: expected allowed, got ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := limiter.Allow(ctx, "promo:device-a", 3)
	if err != nil || ok {
		t.Fatalf("expected fourth attempt to be limited, got ok=%v err=%v", ok, err)
	}
	if ok, _ := limiter.Allow(ctx, "promo:device-b", 3); !ok {
		t.Fatalf("expected other keys to have their own budget")
	}

	mr.FastForward(61 * time.Second)
	if ok, _ := limiter.Allow(ctx, "promo:device-a", 3); !ok {
		t.Fatalf("expected budget to reset after the window")
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newMiniRedis(t)
	limiter := NewRedisLimiter(client, time.Minute)
	mr.Close()

	ctx := context.Background()
	if ok, err := limiter.Allow(ctx, "promo:device-a", 1); err != nil || !ok {
		t.Fatalf("expected fallback to allow first attempt, got ok=%v err=%v", ok, err)
	}
	if ok, _ := limiter.Allow(ctx, "promo:device-a", 1); ok {
		t.Fatalf("expected fallback to limit second attempt")
	}
}

func TestMemoryLimiterBurstsToLimit(t *testing.T) {
	limiter := NewMemoryLimiter(time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow(ctx, "k", 5); !ok {
			t.Fatalf("attempt %d: expected allowed", i+1)
		}
	}
	if ok, _ := limiter.Allow(ctx, "k", 5); ok {
		t.Fatalf("expected sixth attempt to be limited")
	}
	if ok, _ := limiter.Allow(ctx, "other", 5); !ok {
		t.Fatalf("expected separate bucket per key")
	}
}
