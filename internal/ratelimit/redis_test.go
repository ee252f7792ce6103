package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisLimiter(t *testing.T, limit int) *RedisLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(rdb, limit, time.Minute)
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	l := newMiniredisLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "client-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, _ := l.Allow(ctx, "client-a")
	if res.Allowed {
		t.Error("request over the limit should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining should be 0, got %d", res.Remaining)
	}
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l := newMiniredisLimiter(t, 1)
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "a"); !res.Allowed {
		t.Fatal("key a first request should pass")
	}
	if res, _ := l.Allow(ctx, "a"); res.Allowed {
		t.Fatal("key a second request should be denied")
	}
	if res, _ := l.Allow(ctx, "b"); !res.Allowed {
		t.Fatal("key b has its own window")
	}
}

func TestRedisLimiterDegradesOpenOnOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLimiter(rdb, 1, time.Minute)

	mr.Close()

	res, err := l.Allow(context.Background(), "a")
	if err != nil {
		t.Fatalf("outage must not surface an error: %v", err)
	}
	if !res.Allowed {
		t.Error("requests are admitted when redis is unreachable")
	}
}
