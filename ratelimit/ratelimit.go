// Package ratelimit implements a sliding-window request limiter keyed by
// session. Each key keeps a log of admitted request times; a request is
// admitted when fewer than Max requests fall inside the trailing Window.
// Rejected requests are not recorded.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Default limits.
const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 100
)

// Config bounds a limiter.
type Config struct {
	Window time.Duration
	Max    int
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Max <= 0 {
		c.Max = DefaultMax
	}
	return c
}

// Validate rejects non-positive limits.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Max <= 0 {
		return fmt.Errorf("rate limit max must be positive")
	}
	return nil
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Count is the number of admitted requests in the window, including this
	// one when admitted.
	Count int
	Limit int
	// RetryAfter is how long until a slot frees up. Zero when admitted.
	RetryAfter time.Duration
}

// Limiter admits or rejects requests for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	// Forget drops the window for key, for example when its session ends.
	Forget(ctx context.Context, key string) error
}
