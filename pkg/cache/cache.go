// Package cache is a small TTL cache used for enterprise-listing results and
// service-account tokens. Redis when configured, in-process otherwise.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, val string, ttl time.Duration)
}
