// Package aicache implements the semantic cache: AI responses keyed by
// (SHA-256 of prompt, model) with a TTL, deduplicating identical AI calls.
// Entries live in Redis as hashes; hit counts are atomic increments and
// expiry replaces a sweeper.
package aicache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aicache:"

// Cache is the redis-backed semantic cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a semantic cache with the given TTL (default 24h).
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Key returns the cache key for a prompt/model pair: the prompt hash
// joined with the model, so the same prompt against different models
// caches separately.
func Key(prompt, model string) string {
	sum := sha256.Sum256([]byte(prompt))
	return keyPrefix + hex.EncodeToString(sum[:]) + ":" + model
}

// Lookup returns the cached response for the prompt/model pair. On a hit
// the hit count is atomically incremented and the last-hit time updated;
// expired entries are misses.
func (c *Cache) Lookup(ctx context.Context, prompt, model string) (string, bool, error) {
	key := Key(prompt, model)

	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return "", false, fmt.Errorf("cache lookup failed: %w", err)
	}
	response, ok := fields["response"]
	if !ok {
		return "", false, nil
	}

	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, key, "hit_count", 1)
	pipe.HSet(ctx, key, "last_hit_at", time.Now().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", false, fmt.Errorf("cache hit bookkeeping failed: %w", err)
	}

	return response, true, nil
}

// Store persists a fresh response under the prompt/model key with the
// cache TTL. Upsert semantics: a concurrent store of the same key simply
// overwrites with the same response.
func (c *Cache) Store(ctx context.Context, prompt, model, response string) error {
	key := Key(prompt, model)

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"prompt":     prompt,
		"model":      model,
		"response":   response,
		"created_at": time.Now().Format(time.RFC3339),
	})
	// The counter counts times served: the fresh response counts once, and
	// every cache hit increments it. A re-store of the same key never
	// resets it.
	pipe.HSetNX(ctx, key, "hit_count", 1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	return nil
}

// HitCount returns the hit count of a cached entry, zero when absent.
func (c *Cache) HitCount(ctx context.Context, prompt, model string) (int64, error) {
	raw, err := c.client.HGet(ctx, Key(prompt, model), "hit_count").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}
