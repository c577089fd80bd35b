package aicache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, ttl), mr
}

func TestLookupMiss(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)

	_, hit, err := cache.Lookup(context.Background(), "hello", "gemini-1.5-pro")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStoreThenLookup(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hello", "gemini-1.5-pro", "bonjour"))

	response, hit, err := cache.Lookup(ctx, "hello", "gemini-1.5-pro")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "bonjour", response)

	// The fresh store counts once; the hit incremented it.
	count, err := cache.HitCount(ctx, "hello", "gemini-1.5-pro")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Hit counts increase strictly with every further hit.
	_, _, err = cache.Lookup(ctx, "hello", "gemini-1.5-pro")
	require.NoError(t, err)
	count, err = cache.HitCount(ctx, "hello", "gemini-1.5-pro")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestModelIsPartOfTheKey(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hello", "model-a", "response-a"))

	_, hit, err := cache.Lookup(ctx, "hello", "model-b")
	require.NoError(t, err)
	assert.False(t, hit, "same prompt against another model is a miss")
}

func TestExpiry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hello", "m", "cached"))

	mr.FastForward(2 * time.Minute)

	_, hit, err := cache.Lookup(ctx, "hello", "m")
	require.NoError(t, err)
	assert.False(t, hit, "expired entries are misses")
}

func TestRestoreDoesNotResetHitCount(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, "hello", "m", "v1"))
	_, _, err := cache.Lookup(ctx, "hello", "m")
	require.NoError(t, err)

	// Upsert of the same key keeps the counter monotone.
	require.NoError(t, cache.Store(ctx, "hello", "m", "v1"))
	count, err := cache.HitCount(ctx, "hello", "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestKeyIsPromptHash(t *testing.T) {
	key := Key("hello", "m")
	assert.Contains(t, key, "aicache:")
	assert.Contains(t, key, ":m")
	// SHA-256 hex digest is 64 characters.
	assert.Len(t, key, len("aicache:")+64+len(":m"))
}
