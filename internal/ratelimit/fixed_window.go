package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter counts requests per key in fixed time windows using
// Redis. The limit is supplied per call because each bot carries its own
// configured ceiling.
type FixedWindowLimiter struct {
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, window time.Duration) (*FixedWindowLimiter, error) {
	if window <= 0 {
		return nil, errors.New("rate limiter requires a positive window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "botsmith:ratelimit"
	}
	return &FixedWindowLimiter{
		window: window,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		redisPrefix: prefix,
	}, nil
}

// Allow increments the key's counter for the current window and reports
// whether the post-increment count is within limit.
// On Redis failures, it fails closed and returns false.
func (l *FixedWindowLimiter) Allow(key string, limit int) bool {
	if l == nil || limit <= 0 {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, windowSlot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return res <= int64(limit)
}

// ChatKey builds the counter key for widget chat requests.
func ChatKey(botID, identity string) string {
	return botID + ":" + identity
}

// ToolKey builds the counter key for tool executions, scoped to its own
// namespace so booking spam is limited independently of chat volume.
func ToolKey(tool, identity string) string {
	return "tool:" + tool + ":" + identity
}
