package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type memoryCache struct {
	c *gocache.Cache
}

func NewMemory() Cache {
	return &memoryCache{c: gocache.New(gocache.NoExpiration, 5*time.Minute)}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *memoryCache) Set(_ context.Context, key, val string, ttl time.Duration) {
	m.c.Set(key, val, ttl)
}
