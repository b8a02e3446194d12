package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/redisconn"
	"github.com/ggoodman/mcp-gateway/sessions/storetest"
)

type factory func(t *testing.T, cfg Config, clock *storetest.Clock) Limiter

func TestMemory(t *testing.T) {
	runLimiterTests(t, func(t *testing.T, cfg Config, clock *storetest.Clock) Limiter {
		return NewMemory(cfg, WithClock(clock.Now))
	})
}

func TestRedis(t *testing.T) {
	client, prefix := redisconn.ForTest(t)
	runLimiterTests(t, func(t *testing.T, cfg Config, clock *storetest.Clock) Limiter {
		l, err := NewRedis(client, cfg, WithKeyPrefix(prefix), WithRedisClock(clock.Now))
		if err != nil {
			t.Fatalf("NewRedis: %v", err)
		}
		return l
	})
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Window != DefaultWindow || cfg.Max != DefaultMax {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := (Config{Window: time.Second}).Validate(); err == nil {
		t.Fatal("expected error for zero max")
	}
	if err := (Config{Max: 1}).Validate(); err == nil {
		t.Fatal("expected error for zero window")
	}
}

func runLimiterTests(t *testing.T, newLimiter factory) {
	t.Run("admits up to max then rejects", func(t *testing.T) {
		clock := storetest.NewClock()
		l := newLimiter(t, Config{Window: time.Minute, Max: 3}, clock)
		ctx := context.Background()
		for i := 1; i <= 3; i++ {
			d, err := l.Allow(ctx, "sess-a")
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if !d.Allowed || d.Count != i || d.Limit != 3 {
				t.Fatalf("request %d: unexpected decision %+v", i, d)
			}
			clock.Advance(time.Second)
		}
		d, err := l.Allow(ctx, "sess-a")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if d.Allowed || d.Count != 3 {
			t.Fatalf("fourth request should be rejected: %+v", d)
		}
		// The oldest entry was admitted 3s ago, so it frees up in 57s.
		if d.RetryAfter != 57*time.Second {
			t.Fatalf("RetryAfter: want 57s, got %s", d.RetryAfter)
		}
	})

	t.Run("window slides", func(t *testing.T) {
		clock := storetest.NewClock()
		l := newLimiter(t, Config{Window: time.Minute, Max: 2}, clock)
		ctx := context.Background()
		_, _ = l.Allow(ctx, "sess-b")
		clock.Advance(30 * time.Second)
		_, _ = l.Allow(ctx, "sess-b")
		if d, _ := l.Allow(ctx, "sess-b"); d.Allowed {
			t.Fatal("third request inside window should be rejected")
		}
		clock.Advance(31 * time.Second)
		d, err := l.Allow(ctx, "sess-b")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !d.Allowed || d.Count != 2 {
			t.Fatalf("first entry left the window, want admitted with count 2: %+v", d)
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		clock := storetest.NewClock()
		l := newLimiter(t, Config{Window: time.Minute, Max: 1}, clock)
		ctx := context.Background()
		if d, _ := l.Allow(ctx, "sess-c"); !d.Allowed {
			t.Fatal("sess-c first request should pass")
		}
		if d, _ := l.Allow(ctx, "sess-d"); !d.Allowed {
			t.Fatal("sess-d first request should pass")
		}
	})

	t.Run("forget clears the window", func(t *testing.T) {
		clock := storetest.NewClock()
		l := newLimiter(t, Config{Window: time.Minute, Max: 1}, clock)
		ctx := context.Background()
		if d, _ := l.Allow(ctx, "sess-f"); !d.Allowed {
			t.Fatal("first request should pass")
		}
		if d, _ := l.Allow(ctx, "sess-f"); d.Allowed {
			t.Fatal("second request should be limited")
		}
		if err := l.Forget(ctx, "sess-f"); err != nil {
			t.Fatalf("Forget: %v", err)
		}
		if d, _ := l.Allow(ctx, "sess-f"); !d.Allowed {
			t.Fatal("request after Forget should pass")
		}
	})

	t.Run("concurrent requests never exceed max", func(t *testing.T) {
		clock := storetest.NewClock()
		l := newLimiter(t, Config{Window: time.Minute, Max: 10}, clock)
		var (
			wg      sync.WaitGroup
			allowed atomic.Int64
		)
		for range 40 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(context.Background(), "sess-e")
				if err != nil {
					t.Errorf("Allow: %v", err)
					return
				}
				if d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		if allowed.Load() != 10 {
			t.Fatalf("want 10 admitted, got %d", allowed.Load())
		}
	})
}
