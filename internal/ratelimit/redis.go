package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowLuaScript runs one attempt atomically.
// KEYS: requests zset, lock key. ARGV: now ms, window ms, max, multiplier, member.
// Returns {success, remaining, reset ms, new lockout}.
const slidingWindowLuaScript = `
local reqKey = KEYS[1]
local lockKey = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local mult = tonumber(ARGV[4])

local lockedUntil = tonumber(redis.call("GET", lockKey) or "0")
if lockedUntil > now then
    return {0, 0, lockedUntil, 0}
end
if lockedUntil > 0 then
    redis.call("DEL", lockKey)
end

redis.call("ZREMRANGEBYSCORE", reqKey, "-inf", "(" .. (now - window))
local count = redis.call("ZCARD", reqKey)

if count >= max then
    local duration = math.floor(window * (mult ^ math.floor(count / max)))
    local untilMs = now + duration
    redis.call("SET", lockKey, untilMs, "PX", duration)
    return {0, 0, untilMs, 1}
end

redis.call("ZADD", reqKey, now, ARGV[5])
redis.call("PEXPIRE", reqKey, window)
return {1, max - count - 1, now + window, 0}
`

// RedisLimiter has the same semantics as Limiter with state kept in Redis,
// so every instance behind a load balancer sees the same counters.
type RedisLimiter struct {
	client    redis.UniversalClient
	cfg       Config
	prefix    string
	now       func() time.Time
	onLockout LockoutHook
	script    *redis.Script
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are namespaced by prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string, cfg Config, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	return &RedisLimiter{
		client:    client,
		cfg:       cfg.normalize(),
		prefix:    prefix,
		now:       o.now,
		onLockout: o.onLockout,
		script:    redis.NewScript(slidingWindowLuaScript),
	}
}

// NewRedisClient parses url and verifies the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (r *RedisLimiter) keys(id string) (string, string) {
	key := normalizeKey(id)
	return r.prefix + ":req:" + key, r.prefix + ":lock:" + key
}

// Allow implements Guard
func (r *RedisLimiter) Allow(ctx context.Context, id string) (Result, error) {
	reqKey, lockKey := r.keys(id)
	now := r.now()

	res, err := r.script.Run(ctx, r.client,
		[]string{reqKey, lockKey},
		now.UnixMilli(),
		r.cfg.Window.Milliseconds(),
		r.cfg.MaxRequests,
		r.cfg.LockoutMultiplier,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 4 {
		return Result{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	reset := time.UnixMilli(res[2])
	if res[0] == 1 {
		return Result{
			Success:   true,
			Limit:     r.cfg.MaxRequests,
			Remaining: int(res[1]),
			Reset:     reset,
		}, nil
	}

	if res[3] == 1 && r.onLockout != nil {
		r.onLockout(normalizeKey(id), reset)
	}
	return Result{
		Success:     false,
		Limit:       r.cfg.MaxRequests,
		Reset:       reset,
		Locked:      true,
		LockoutEnds: &reset,
	}, nil
}

// Peek implements Guard
func (r *RedisLimiter) Peek(ctx context.Context, id string) (Result, error) {
	reqKey, lockKey := r.keys(id)
	now := r.now()

	lock, err := r.client.Get(ctx, lockKey).Result()
	if err != nil && err != redis.Nil {
		return Result{}, fmt.Errorf("read lockout: %w", err)
	}
	if lock != "" {
		if ms, perr := strconv.ParseInt(lock, 10, 64); perr == nil && ms > now.UnixMilli() {
			until := time.UnixMilli(ms)
			return Result{Limit: r.cfg.MaxRequests, Reset: until, Locked: true, LockoutEnds: &until}, nil
		}
	}

	min := strconv.FormatInt(now.Add(-r.cfg.Window).UnixMilli(), 10)
	count, err := r.client.ZCount(ctx, reqKey, min, "+inf").Result()
	if err != nil {
		return Result{}, fmt.Errorf("count requests: %w", err)
	}
	remaining := r.cfg.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Success:   remaining > 0,
		Limit:     r.cfg.MaxRequests,
		Remaining: remaining,
		Reset:     now.Add(r.cfg.Window),
	}, nil
}

// Clear implements Guard
func (r *RedisLimiter) Clear(ctx context.Context, id string) error {
	reqKey, lockKey := r.keys(id)
	if err := r.client.Del(ctx, reqKey, lockKey).Err(); err != nil {
		return fmt.Errorf("clear rate limit: %w", err)
	}
	return nil
}
