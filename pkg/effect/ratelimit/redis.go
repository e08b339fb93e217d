package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript performs the refill-then-consume check atomically in
// Redis so a fleet of kernel hosts enforcing the same grant agree on one
// bucket.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (units per second)
// ARGV[2] = capacity (max units)
// ARGV[3] = cost (units to consume)
// ARGV[4] = current unix time, seconds as a float
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 3600)

return {allowed, tokens}
`)

// RedisStore shares one bucket per grant name across every kernel host
// pointed at the same Redis instance.
type RedisStore struct {
	client  *redis.Client
	keyFunc func(grantName string) string
}

// NewRedisStore builds a store against an already-configured client. The
// caller owns the client's lifecycle (Close).
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyFunc: func(g string) string { return "agentos:budget:" + g }}
}

func (s *RedisStore) Allow(ctx context.Context, grantName string, budget Budget, cost float64) (bool, error) {
	rate := budget.RatePerSec
	if rate <= 0 {
		rate = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.keyFunc(grantName)}, rate, budget.Capacity, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimit: unexpected script result shape")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
