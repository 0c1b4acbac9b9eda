package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGet(t *testing.T) {
	t.Parallel()
	c := NewMemory()
	ctx := context.Background()

	_, ok := c.Get(ctx, "missing")
	require.False(t, ok)

	c.Set(ctx, "k", "v", time.Minute)
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()
	c := NewMemory()
	ctx := context.Background()

	c.Set(ctx, "k", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get(ctx, "k")
	require.False(t, ok)
}
