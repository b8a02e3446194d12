package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a sliding-window limiter shared by every gateway process. Each
// key is a sorted set of admitted request ids scored by millisecond time.
type Redis struct {
	client    redis.UniversalClient
	cfg       Config
	keyPrefix string
	now       func() time.Time
}

var _ Limiter = (*Redis)(nil)

// RedisOption configures a Redis limiter.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix for limiter keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// WithRedisClock overrides the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRedis creates a Redis limiter over client.
func NewRedis(client redis.UniversalClient, cfg Config, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	r := &Redis{client: client, cfg: cfg.withDefaults(), keyPrefix: "mcpgw:", now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// KEYS[1] zset; ARGV[1] now ms, ARGV[2] window ms, ARGV[3] max, ARGV[4] member.
// Returns {allowed, count, retry_after_ms}.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= max then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = 0
  if oldest[2] then retry = tonumber(oldest[2]) + window - now end
  return {0, count, retry}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, count + 1, 0}
`)

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
	res, err := allowScript.Run(ctx, r.client, []string{r.keyPrefix + "ratelimit:" + key},
		strconv.FormatInt(now, 10),
		strconv.FormatInt(r.cfg.Window.Milliseconds(), 10),
		strconv.Itoa(r.cfg.Max),
		member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit: unexpected reply of length %d", len(res))
	}
	return Decision{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		Limit:      r.cfg.Max,
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Forget implements Limiter.
func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+"ratelimit:"+key).Err(); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}
