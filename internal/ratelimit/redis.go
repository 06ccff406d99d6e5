package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// allowScript applies the fixed-window check atomically. The counter is
// only incremented when the request is admitted, so a denied request
// never extends or inflates the window.
var allowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {0, current, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, current, redis.call("PTTL", KEYS[1])}
`)

// Redis is a fixed-window limiter shared across replicas. Any Redis
// failure falls back to the in-process limiter rather than failing the
// request path.
type Redis struct {
	client   *redis.Client
	prefix   string
	timeout  time.Duration
	fallback *Memory
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client:   client,
		prefix:   "gk:rl:",
		timeout:  2 * time.Second,
		fallback: NewMemory(),
	}
}

func (r *Redis) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if r.client == nil {
		return r.fallback.Allow(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	res, err := allowScript.Run(ctx, r.client, []string{r.prefix + key}, limit, window.Milliseconds()).Result()
	if err != nil {
		log.Warn().Err(err).Msg("rate limit store unavailable, using in-memory fallback")
		return r.fallback.Allow(key, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 1 {
		return r.fallback.Allow(key, limit, window)
	}
	allowed, _ := vals[0].(int64)
	return allowed == 1
}

func (r *Redis) Status(key string, limit int, window time.Duration) Status {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if r.client == nil {
		return r.fallback.Status(key, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.prefix+key)
	ttlCmd := pipe.PTTL(ctx, r.prefix+key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return r.fallback.Status(key, limit, window)
	}
	count, _ := getCmd.Int()
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Now().Add(window)
	if ttl := ttlCmd.Val(); ttl > 0 {
		resetAt = time.Now().Add(ttl)
	}
	return Status{Limit: limit, Count: count, Remaining: remaining, ResetAt: resetAt}
}

func (r *Redis) Reset(key string) {
	if r.client == nil {
		r.fallback.Reset(key)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limit reset failed")
	}
	r.fallback.Reset(key)
}

// Cleanup is a no-op for the Redis store: windows expire via PEXPIRE.
// The in-memory fallback still needs sweeping.
func (r *Redis) Cleanup() int {
	return r.fallback.Cleanup()
}
