package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisLimiterSlidingWindow(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	clock := newFakeClock()
	l := NewRedisLimiter(client, "test", Config{MaxRequests: 3, Window: time.Second, LockoutMultiplier: 2}, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "user@example.com")
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !res.Success {
			t.Fatalf("request %d should succeed", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
		clock.Advance(100 * time.Millisecond)
	}

	res, err := l.Allow(ctx, "USER@example.com")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if res.Success || !res.Locked {
		t.Fatalf("fourth request should be locked: %+v", res)
	}
	want := clock.Now().Add(2 * time.Second)
	if !res.LockoutEnds.Equal(want) {
		t.Errorf("LockoutEnds = %v, want %v", res.LockoutEnds, want)
	}

	// Still locked after the window has slid
	clock.Advance(1500 * time.Millisecond)
	if res, _ := l.Allow(ctx, "user@example.com"); res.Success {
		t.Error("key should remain locked")
	}

	clock.Advance(600 * time.Millisecond)
	if res, _ := l.Allow(ctx, "user@example.com"); !res.Success {
		t.Errorf("lockout expired, request should succeed: %+v", res)
	}
}

func TestRedisLimiterPeekAndClear(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	clock := newFakeClock()
	l := NewRedisLimiter(client, "test", Config{MaxRequests: 2, Window: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	res, err := l.Peek(ctx, "k")
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if res.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", res.Remaining)
	}

	l.Allow(ctx, "k")
	if res, _ := l.Peek(ctx, "k"); res.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1", res.Remaining)
	}

	l.Allow(ctx, "k")
	l.Allow(ctx, "k")
	if res, _ := l.Peek(ctx, "k"); !res.Locked {
		t.Error("Peek should report the lockout")
	}

	if err := l.Clear(ctx, "k"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if res, _ := l.Allow(ctx, "k"); !res.Success {
		t.Error("cleared key should be allowed")
	}
}

func TestRedisLimiterLockoutHook(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	var keys []string
	l := NewRedisLimiter(client, "test", Config{MaxRequests: 1, Window: time.Minute},
		WithLockoutHook(func(key string, until time.Time) { keys = append(keys, key) }))
	ctx := context.Background()

	l.Allow(ctx, "A")
	l.Allow(ctx, "A")
	l.Allow(ctx, "A")

	if len(keys) != 1 || keys[0] != "a" {
		t.Errorf("hook calls = %v, want [a]", keys)
	}
}

func TestRedisLimiterAppliesSharedOptions(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	clock := newFakeClock()
	var until time.Time
	l := NewRedisLimiter(client, "test", Config{MaxRequests: 1, Window: time.Minute},
		WithClock(clock.Now),
		WithSweepInterval(time.Millisecond),
		WithLockoutHook(func(key string, u time.Time) { until = u }))
	ctx := context.Background()

	if l.cfg.LockoutMultiplier != 1 {
		t.Errorf("LockoutMultiplier = %v, want default 1", l.cfg.LockoutMultiplier)
	}

	first, err := l.Allow(ctx, "a")
	if err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if !first.Reset.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("Reset = %v, want injected clock + window", first.Reset)
	}

	l.Allow(ctx, "a")
	if !until.Equal(clock.Now().Add(time.Minute)) {
		t.Errorf("hook until = %v, want %v", until, clock.Now().Add(time.Minute))
	}
}

func TestRedisLimiterUnavailable(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	cleanup()

	l := NewRedisLimiter(client, "test", Config{MaxRequests: 1, Window: time.Minute})
	if _, err := l.Allow(context.Background(), "k"); err == nil {
		t.Error("expected error when redis is down")
	}
}
