package antifraud

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache against a networked Redis instance.
// Replay and content-hash dedupe use a single atomic `SET key val NX EX
// ttl`, which Redis already supports as one command — no Lua script is
// needed there, unlike the token-bucket rate limiter which does need
// one (see Limiter in limiter.go).
type RedisCache struct {
	client      *redis.Client
	greylistTTL time.Duration
	fallback    *LocalCache
}

func NewRedisCache(client *redis.Client, greylistTTL time.Duration) *RedisCache {
	return &RedisCache{
		client:      client,
		greylistTTL: greylistTTL,
		fallback:    NewLocalCache(greylistTTL, true),
	}
}

func (c *RedisCache) setNX(ctx context.Context, key string, ttl time.Duration) (fresh bool, degraded bool, err error) {
	ok, redisErr := c.client.SetNX(ctx, key, "1", ttl).Result()
	if redisErr != nil && !errors.Is(redisErr, redis.Nil) {
		fresh, _, _ := c.fallback.CheckAndMarkReplay(ctx, key)
		return fresh, true, nil
	}
	return ok, false, nil
}

func (c *RedisCache) CheckAndMarkReplay(ctx context.Context, key string) (bool, bool, error) {
	return c.setNX(ctx, "antifraud:replay:"+key, DefaultReplayTTL)
}

func (c *RedisCache) CheckAndMarkContentHash(ctx context.Context, from, to, subject, body string) (bool, bool, error) {
	hash := ContentHash(from, to, subject, body)
	return c.setNX(ctx, "antifraud:content:"+hash, DefaultContentHashTTL)
}

func (c *RedisCache) ShouldGreylistFirstContact(ctx context.Context, from, to string) (bool, bool, error) {
	key := "antifraud:greylist:" + from + ">" + to
	seenStr, err := c.client.Get(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return c.fallback.ShouldGreylistFirstContact(ctx, from, to)
	}
	now := time.Now()
	if errors.Is(err, redis.Nil) {
		if setErr := c.client.Set(ctx, key, now.Format(time.RFC3339Nano), c.greylistTTL*4).Err(); setErr != nil {
			fresh, _, _ := c.fallback.ShouldGreylistFirstContact(ctx, from, to)
			return fresh, true, nil
		}
		return true, false, nil
	}
	seen, parseErr := time.Parse(time.RFC3339Nano, seenStr)
	if parseErr != nil {
		return true, false, nil
	}
	if now.Sub(seen) < c.greylistTTL {
		return true, false, nil
	}
	return false, false, nil
}

func (c *RedisCache) MarkPostagePaid(ctx context.Context, from, to string) (bool, bool, error) {
	return c.setNX(ctx, "antifraud:postage:"+from+">"+to, PostageTTL)
}
