package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many Allow calls pass between scans for idle keys.
const sweepEvery = 1024

// Memory is a process-local sliding-window limiter.
type Memory struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	logs  map[string][]time.Time
	calls int
}

var _ Limiter = (*Memory)(nil)

// MemoryOption configures a Memory limiter.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates a Memory limiter. Zero config fields take the defaults.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	m := &Memory{cfg: cfg.withDefaults(), now: time.Now, logs: make(map[string][]time.Time)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Allow implements Limiter.
func (m *Memory) Allow(ctx context.Context, key string) (Decision, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweepLocked(cutoff)
	}

	log := prune(m.logs[key], cutoff)
	if len(log) >= m.cfg.Max {
		m.logs[key] = log
		return Decision{
			Allowed:    false,
			Count:      len(log),
			Limit:      m.cfg.Max,
			RetryAfter: log[0].Add(m.cfg.Window).Sub(now),
		}, nil
	}
	log = append(log, now)
	m.logs[key] = log
	return Decision{Allowed: true, Count: len(log), Limit: m.cfg.Max}, nil
}

// Forget implements Limiter.
func (m *Memory) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, key)
	return nil
}

func (m *Memory) sweepLocked(cutoff time.Time) {
	for k, log := range m.logs {
		if log = prune(log, cutoff); len(log) == 0 {
			delete(m.logs, k)
		} else {
			m.logs[k] = log
		}
	}
}

// prune drops entries at or before cutoff. Entries are in time order.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
