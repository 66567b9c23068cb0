package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type exampleInstance struct {
	ID   int
	Name string
}

func TestNewInMemoryCacheManager(t *testing.T) {
	require.NotPanics(t, func() {
		NewInMemoryCacheManager[string, string]("test", NeverExpire, DefaultCleanupInterval)
	})
}

func TestInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, exampleInstance]("instance-cache", NeverExpire, DefaultCleanupInterval)
	example := exampleInstance{Name: "logger"}
	cache.Set(context.Background(), "Logger", example, NeverExpire)

	got, ok := cache.Get(context.Background(), "Logger")
	require.True(t, ok)
	require.Equal(t, example, got)
}

func TestInMemoryCacheManager_GetMissingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("instance-cache", NeverExpire, DefaultCleanupInterval)

	_, ok := cache.Get(context.Background(), "absent")
	require.False(t, ok)
}

func TestInMemoryCacheManager_Delete(t *testing.T) {
	cache := NewInMemoryCacheManager[string, int]("instance-cache", NeverExpire, DefaultCleanupInterval)
	ctx := context.Background()

	cache.Set(ctx, "a", 1, NeverExpire)
	cache.Set(ctx, "b", 2, NeverExpire)
	require.Equal(t, 2, cache.Count(ctx))

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok := cache.Get(ctx, "a")
	require.False(t, ok)
	require.Equal(t, 1, cache.Count(ctx))

	// Deleting a missing key is a no-op.
	require.NoError(t, cache.Delete(ctx, "missing"))
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, int]("instance-cache", NeverExpire, DefaultCleanupInterval)
	ctx := context.Background()

	cache.Set(ctx, "a", 1, NeverExpire)
	cache.Set(ctx, "b", 2, NeverExpire)

	require.NoError(t, cache.Flush(ctx))
	require.Equal(t, 0, cache.Count(ctx))
}

func TestInMemoryCacheManager_TTLExpires(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("instance-cache", NeverExpire, time.Minute)
	ctx := context.Background()

	cache.Set(ctx, "ephemeral", "v", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, ok := cache.Get(ctx, "ephemeral")
	require.False(t, ok)
}
