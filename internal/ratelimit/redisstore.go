package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript implements the same lazy-refill token bucket as
// MemoryStore's rate.Limiter, but atomically inside Redis so a fleet of
// gateway replicas shares one set of buckets. KEYS[1] is the bucket's hash
// key; ARGV holds capacity, refill-tokens-per-interval, interval in
// seconds, and the current unix time (server-supplied, since a Lua script
// cannot call time.now() in a replica-consistent way).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_amount = tonumber(ARGV[2])
local interval_seconds = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call("HMGET", key, "tokens", "updated_at")
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil then
  tokens = capacity
  updated_at = now
end

local elapsed = now - updated_at
if elapsed > 0 then
  local refill = (elapsed / interval_seconds) * refill_amount
  tokens = math.min(capacity, tokens + refill)
  updated_at = now
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "updated_at", updated_at)
redis.call("EXPIRE", key, math.ceil(interval_seconds * 2))

return allowed
`)

// RedisStore is the shared Storage backend for multi-replica deployments.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore using client, namespacing every key
// under prefix (e.g. "nexus:ratelimit:") to avoid colliding with other
// data sharing the same Redis instance.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// CheckAndConsume implements Storage via the atomic Lua token-bucket
// script above, so concurrent requests across replicas never
// double-spend the same token.
func (s *RedisStore) CheckAndConsume(ctx context.Context, key string, limit uint32, interval time.Duration) (bool, error) {
	if limit == 0 || interval <= 0 {
		return true, nil
	}
	q := Quota{Limit: limit, Interval: interval}
	now := time.Now().Unix()
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + key},
		q.Burst(), limit, interval.Seconds(), now,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
