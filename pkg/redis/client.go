package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sparrowinvest/mfengine/pkg/config"
)

// Client is the shared connection behind locks, rate limits and the registry cache.
// A disabled (or nil) Client makes every helper fall back to local behaviour.
// ⭐ SSOT: Redis 연결은 여기서만 관리
type Client struct {
	rdb *redis.Client
}

// New connects when REDIS_ENABLED, otherwise returns a disabled client
func New(cfg *config.Config) (*Client, error) {
	if !cfg.Redis.Enabled {
		return &Client{}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         net.JoinHostPort(cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rdb.Options().Addr, err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the connection pool
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}

// Enabled reports whether a live connection backs this client
func (c *Client) Enabled() bool {
	return c != nil && c.rdb != nil
}

// Redis exposes the go-redis client (nil when disabled)
func (c *Client) Redis() *redis.Client {
	if c == nil {
		return nil
	}
	return c.rdb
}

// key namespaces every helper: <prefix>:<kind>:<name>
func key(prefix, kind, name string) string {
	return prefix + ":" + kind + ":" + name
}
