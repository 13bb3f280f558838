package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a sliding-window budget shared by every worker
type RateLimitConfig struct {
	Key    string // bucket name, e.g. "bse"
	Limit  int    // calls allowed per Window
	Window time.Duration
}

// Exchange budgets. Local token buckets in httputil smooth bursts inside one
// process; these cap the member account across processes.
var (
	// BSE StAR MF: 초당 5회 (보수적)
	BSERateLimit = RateLimitConfig{Key: "bse", Limit: 5, Window: time.Second}

	// NSE NMF: 초당 5회 (보수적)
	NSERateLimit = RateLimitConfig{Key: "nse", Limit: 5, Window: time.Second}

	// Client registry lookups
	RegistryRateLimit = RateLimitConfig{Key: "registry", Limit: 20, Window: time.Second}
)

// slidingWindow trims the zset to the window and admits when under limit.
// Returns {admitted, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = window
if oldest[2] then
	wait = tonumber(oldest[2]) + window - now
end
return {0, 0, wait}
`)

// RateLimiter implements sliding window rate limiting using Redis
// ⭐ SSOT: 프로세스 간 레이트 리밋은 여기서만
type RateLimiter struct {
	client *Client
	prefix string
	seq    atomic.Uint64
}

// NewRateLimiter creates a limiter; a disabled client admits everything
func NewRateLimiter(client *Client, prefix string) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix}
}

// Allow reports whether one call fits the budget now, the calls left, and
// how long to wait when refused
func (r *RateLimiter) Allow(ctx context.Context, cfg RateLimitConfig) (bool, int, time.Duration, error) {
	if !r.client.Enabled() {
		return true, cfg.Limit, 0, nil
	}

	now := time.Now().UnixMilli()
	// 같은 ms 호출끼리 zset 멤버가 겹치지 않게 시퀀스 추가
	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	res, err := slidingWindow.Run(ctx, r.client.Redis(),
		[]string{key(r.prefix, "ratelimit", cfg.Key)},
		now, cfg.Window.Milliseconds(), cfg.Limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("rate limit %s: %w", cfg.Key, err)
	}

	return res[0] == 1, int(res[1]), time.Duration(res[2]) * time.Millisecond, nil
}

// Wait blocks until a call is admitted or ctx is done
func (r *RateLimiter) Wait(ctx context.Context, cfg RateLimitConfig) error {
	for {
		ok, _, retryAfter, err := r.Allow(ctx, cfg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if retryAfter <= 0 {
			retryAfter = 10 * time.Millisecond
		}

		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
