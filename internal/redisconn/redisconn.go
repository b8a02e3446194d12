// Package redisconn builds the Redis client shared by the distributed
// session store, approval store and rate limiter.
package redisconn

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis connection. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys written by the gateway. ENV: REDIS_KEY_PREFIX
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcpgw:"`
}

// Dial connects and pings. The caller owns the returned client.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cl.Ping(pingCtx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return cl, nil
}

// ConfigFromEnv decodes Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return Config{}, fmt.Errorf("decode redis config: %w", err)
	}
	return cfg, nil
}

// ForTest dials the Redis named by the environment and skips the test when
// it is unreachable. It returns the client and a key prefix unique to the
// test; keys under the prefix are deleted at cleanup.
func ForTest(t testing.TB) (*redis.Client, string) {
	t.Helper()
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Skipf("skipping redis tests: %v", err)
	}
	cl, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Skipf("skipping redis tests: %v", err)
	}
	prefix := "mcpgw-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		_ = DeleteByPattern(context.Background(), cl, prefix+"*")
		_ = cl.Close()
	})
	return cl, prefix
}

// DeleteByPattern removes every key matching pattern using SCAN.
func DeleteByPattern(ctx context.Context, cl redis.UniversalClient, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := cl.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := cl.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}
