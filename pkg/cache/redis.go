package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisCache struct {
	cli *redis.Client
}

// NewRedis falls back to the in-memory cache when cli is nil so callers can
// wire db.MustRedis straight through.
func NewRedis(cli *redis.Client) Cache {
	if cli == nil {
		return NewMemory()
	}
	return &redisCache{cli: cli}
}

func (r *redisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := r.cli.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (r *redisCache) Set(ctx context.Context, key, val string, ttl time.Duration) {
	// Cache misses are cheap; cache write failures are not worth surfacing.
	_ = r.cli.Set(ctx, key, val, ttl).Err()
}
