package antifraud

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter rate-limits by actor (agent DID or IP), failing open with a
// degraded flag when the backing store is unavailable.
type Limiter interface {
	Allow(ctx context.Context, actorID string, maxPerMinute int) (allowed bool, degraded bool, err error)
}

// redisTokenBucketScript implements a token bucket atomically in Redis:
// KEYS[1]=bucket key, ARGV[1]=refill rate/sec, ARGV[2]=capacity,
// ARGV[3]=cost, ARGV[4]=now.
var redisTokenBucketScript = redis.NewScript(`
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
    local added = elapsed * rate
    tokens = tokens + added
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
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter rate-limits via the Redis Lua token-bucket script, with
// an in-process fallback when Redis is unreachable.
type RedisLimiter struct {
	client   *redis.Client
	fallback *LocalLimiter
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, fallback: NewLocalLimiter()}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string, maxPerMinute int) (bool, bool, error) {
	key := fmt.Sprintf("antifraud:ratelimit:%s", actorID)
	ratePerSec := float64(maxPerMinute) / 60.0
	if ratePerSec <= 0 {
		ratePerSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, ratePerSec, maxPerMinute, 1, now).Result()
	if err != nil {
		allowed, _, _ := l.fallback.Allow(ctx, actorID, maxPerMinute)
		return allowed, true, nil
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, true, fmt.Errorf("unexpected token bucket response: %v", res)
	}
	allowedVal, _ := results[0].(int64)
	return allowedVal == 1, false, nil
}

// LocalLimiter is the in-process fallback using golang.org/x/time/rate,
// one bucket per actor.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *LocalLimiter) limiterFor(actorID string, maxPerMinute int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[actorID]
	if !ok {
		perSec := rate.Limit(float64(maxPerMinute) / 60.0)
		lim = rate.NewLimiter(perSec, maxPerMinute)
		l.limiters[actorID] = lim
	}
	return lim
}

func (l *LocalLimiter) Allow(ctx context.Context, actorID string, maxPerMinute int) (bool, bool, error) {
	return l.limiterFor(actorID, maxPerMinute).Allow(), false, nil
}
