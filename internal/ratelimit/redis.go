package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checks the minute bucket and increments only when under the limit, so
// concurrent engine processes never overshoot.
const connectBudgetLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")
if current + 1 > limit then
    return {0, current}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end
return {1, newVal}
`

// RedisBudget shares the connects-per-minute budget between engine
// processes using minute-bucketed counters.
type RedisBudget struct {
	redis  *redis.Client
	script *redis.Script
	prefix string
	now    func() time.Time
	// poll bounds how long a denied caller sleeps before retrying.
	poll time.Duration
}

func NewRedisBudget(client *redis.Client, prefix string) *RedisBudget {
	if prefix == "" {
		prefix = "verifyengine:connects"
	}
	return &RedisBudget{
		redis:  client,
		script: redis.NewScript(connectBudgetLuaScript),
		prefix: prefix,
		now:    time.Now,
		poll:   time.Second,
	}
}

// NewRedisBudgetFromURL connects to redisURL and pings it.
func NewRedisBudgetFromURL(ctx context.Context, redisURL, prefix string) (*RedisBudget, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisBudget(client, prefix), nil
}

// SetClock replaces the time source (tests).
func (b *RedisBudget) SetClock(now func() time.Time) { b.now = now }

// TryTake attempts one connect in the current minute bucket.
func (b *RedisBudget) TryTake(ctx context.Context, limit int) (bool, time.Duration, error) {
	now := b.now()
	key := fmt.Sprintf("%s:%d", b.prefix, now.Unix()/60)

	result, err := b.script.Run(ctx, b.redis, []string{key}, limit, 120).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("connect budget check failed: %w", err)
	}
	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	return false, time.Duration(60-now.Second()) * time.Second, nil
}

func (b *RedisBudget) Wait(ctx context.Context, limit int) error {
	if limit <= 0 {
		return nil
	}
	for {
		ok, wait, err := b.TryTake(ctx, limit)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait > b.poll {
			wait = b.poll
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Close releases the Redis client.
func (b *RedisBudget) Close() error { return b.redis.Close() }
