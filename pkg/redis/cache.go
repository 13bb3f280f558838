package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON values with a TTL (registry answers).
// With a disabled client every read misses and writes are dropped.
type Cache struct {
	client *Client
	prefix string
}

// NewCache creates a cache under prefix
func NewCache(client *Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

// Get decodes the value at key into dest; false on miss
func (c *Cache) Get(ctx context.Context, k string, dest interface{}) (bool, error) {
	if !c.client.Enabled() {
		return false, nil
	}

	data, err := c.client.Redis().Get(ctx, key(c.prefix, "cache", k)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cache get %s: %w", k, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", k, err)
	}
	return true, nil
}

// Set stores value at key for ttl
func (c *Cache) Set(ctx context.Context, k string, value interface{}, ttl time.Duration) error {
	if !c.client.Enabled() {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", k, err)
	}
	return c.client.Redis().Set(ctx, key(c.prefix, "cache", k), data, ttl).Err()
}

// Delete evicts key
func (c *Cache) Delete(ctx context.Context, k string) error {
	if !c.client.Enabled() {
		return nil
	}
	return c.client.Redis().Del(ctx, key(c.prefix, "cache", k)).Err()
}

// ClientRegistrationKey is the cache key for a UCC lookup
func ClientRegistrationKey(exchange, clientID string) string {
	return "registry:" + exchange + ":" + clientID
}
