// Package redisstore is a sessions.Store backed by Redis, for gateways
// running as more than one process.
//
// Each session is a hash holding its static fields as JSON plus the quota
// counter and timestamps. A sorted set indexes sessions by expiry for stats
// and sweeping. Every read or write is a single Lua script, so the expiry
// check and the quota increment are atomic with respect to other gateway
// processes. Timestamps are passed in by the caller, which keeps expiry
// decisions on the gateway's clock.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/redis/go-redis/v9"
)

var _ sessions.Store = (*Store)(nil)

// Store implements sessions.Store on Redis.
type Store struct {
	client     redis.UniversalClient
	ownsClient bool
	keyPrefix  string

	ttl           time.Duration
	retention     time.Duration
	defaultMax    int
	sweepInterval time.Duration
	sweepBatch    int
	now           sessions.Clock
	log           *slog.Logger

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the prefix for every key the store writes.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithTTL sets the session time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRetention sets how long an expired hash lingers before Redis evicts
// it on its own. The sweep usually removes it first.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithDefaultMaxToolCalls sets the quota applied when CreateParams leave it unset.
func WithDefaultMaxToolCalls(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.defaultMax = n
		}
	}
}

// WithSweepInterval sets how often expired sessions are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now sessions.Clock) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used by the sweep.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOwnedClient makes Shutdown close the Redis client.
func WithOwnedClient() Option {
	return func(s *Store) { s.ownsClient = true }
}

// New creates a Store over client. Call Init to start the sweep.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &Store{
		client:     client,
		keyPrefix:  "mcpgw:",
		ttl:        sessions.DefaultTTL,
		retention:  time.Hour,
		defaultMax: sessions.DefaultMaxToolCalls,
		sweepBatch: 500,
		now:        time.Now,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = s.ttl / 4
	}
	return s, nil
}

// --- Key helpers ---

func (s *Store) sessionKeyPrefix() string    { return s.keyPrefix + "session:" }
func (s *Store) sessionKey(id string) string { return s.sessionKeyPrefix() + id }
func (s *Store) indexKey() string            { return s.keyPrefix + "sessions:index" }

// staticFields is the immutable part of a session, stored as one JSON blob.
type staticFields struct {
	Caller          sessions.Caller          `json:"caller"`
	ConversationID  string                   `json:"conversationId,omitempty"`
	AllowedTools    []string                 `json:"allowedTools,omitempty"`
	DangerousPolicy sessions.DangerousPolicy `json:"dangerousPolicy,omitempty"`
	ProtocolVersion string                   `json:"protocolVersion,omitempty"`
	CreatedAt       int64                    `json:"createdAt"`
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fmtMs(t time.Time) string { return strconv.FormatInt(ms(t), 10) }

// --- Lifecycle ---

// Init starts the background sweep. It is a no-op when already running.
func (s *Store) Init(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.sweepLoop(s.stop, s.done)
	return nil
}

// Shutdown stops the sweep and, when the store owns it, closes the client.
func (s *Store) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.lifecycleMu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := s.Sweep(context.Background())
			if err != nil {
				s.log.Warn("sessions.sweep.fail", slog.String("err", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Debug("sessions.sweep", slog.Int("removed", n))
			}
		}
	}
}

var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// Sweep removes expired sessions in batches and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := sweepScript.Run(ctx, s.client, []string{s.indexKey()}, fmtMs(s.now()), s.sessionKeyPrefix(), s.sweepBatch).Int()
		if err != nil {
			return total, err
		}
		total += n
		if n < s.sweepBatch {
			return total, nil
		}
	}
}

// --- Operations ---

var createScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'used', 0, 'max', ARGV[2], 'expires_at', ARGV[3], 'last_accessed_at', ARGV[4])
redis.call('PEXPIREAT', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[6])
return 1
`)

// Create implements sessions.Store.
func (s *Store) Create(ctx context.Context, params sessions.CreateParams) (*sessions.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	sess := sessions.NewSession(params, s.now(), s.ttl, s.defaultMax)

	data, err := json.Marshal(staticFields{
		Caller:          sess.Caller,
		ConversationID:  sess.ConversationID,
		AllowedTools:    sess.AllowedTools,
		DangerousPolicy: sess.DangerousPolicy,
		ProtocolVersion: sess.ProtocolVersion,
		CreatedAt:       ms(sess.CreatedAt),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	keys := []string{s.sessionKey(sess.ID), s.indexKey()}
	err = createScript.Run(ctx, s.client, keys,
		data,
		sess.Quota.Max,
		fmtMs(sess.ExpiresAt),
		fmtMs(sess.LastAccessedAt),
		fmtMs(sess.ExpiresAt.Add(s.retention)),
		sess.ID,
	).Err()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// expireLua deletes an expired session and returns false. It is shared by
// the scripts that read a session.
const expireLua = `
local function expire()
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return false
end
`

var getScript = redis.NewScript(expireLua + `
local v = redis.call('HMGET', KEYS[1], 'data', 'used', 'max', 'expires_at')
if not v[1] then return false end
if tonumber(ARGV[1]) > tonumber(v[4]) then return expire() end
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
return {v[1], v[2], v[3], v[4], ARGV[1]}
`)

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, id string) (*sessions.Session, error) {
	now := s.now()
	res, err := getScript.Run(ctx, s.client, []string{s.sessionKey(id), s.indexKey()}, fmtMs(now), id).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("get session: unexpected reply length %d", len(res))
	}

	var sf staticFields
	if err := json.Unmarshal([]byte(res[0]), &sf); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	used, err1 := strconv.Atoi(res[1])
	maxCalls, err2 := strconv.Atoi(res[2])
	expiresAt, err3 := strconv.ParseInt(res[3], 10, 64)
	lastAccess, err4 := strconv.ParseInt(res[4], 10, 64)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return nil, fmt.Errorf("decode session counters: %w", err)
	}

	return &sessions.Session{
		ID:              id,
		Caller:          sf.Caller,
		ConversationID:  sf.ConversationID,
		AllowedTools:    sf.AllowedTools,
		DangerousPolicy: sf.DangerousPolicy,
		ProtocolVersion: sf.ProtocolVersion,
		Quota:           sessions.Quota{Used: used, Max: maxCalls},
		CreatedAt:       time.UnixMilli(sf.CreatedAt),
		ExpiresAt:       time.UnixMilli(expiresAt),
		LastAccessedAt:  time.UnixMilli(lastAccess),
	}, nil
}

var incrementScript = redis.NewScript(expireLua + `
local v = redis.call('HMGET', KEYS[1], 'max', 'expires_at')
if not v[1] then return false end
if tonumber(ARGV[1]) > tonumber(v[2]) then return expire() end
local used = redis.call('HINCRBY', KEYS[1], 'used', 1)
redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
return {used, tonumber(v[1])}
`)

// IncrementToolCalls implements sessions.Store.
func (s *Store) IncrementToolCalls(ctx context.Context, id string) (sessions.QuotaResult, error) {
	res, err := incrementScript.Run(ctx, s.client, []string{s.sessionKey(id), s.indexKey()}, fmtMs(s.now()), id).Int64Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessions.QuotaResult{}, sessions.ErrSessionNotFound
		}
		return sessions.QuotaResult{}, fmt.Errorf("increment tool calls: %w", err)
	}
	if len(res) != 2 {
		return sessions.QuotaResult{}, fmt.Errorf("increment tool calls: unexpected reply length %d", len(res))
	}
	used, maxCalls := int(res[0]), int(res[1])
	return sessions.QuotaResult{Allowed: used <= maxCalls, Used: used, Max: maxCalls}, nil
}

var extendScript = redis.NewScript(expireLua + `
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp then return 0 end
if tonumber(ARGV[1]) > tonumber(exp) then
  expire()
  return 0
end
redis.call('HSET', KEYS[1], 'expires_at', ARGV[3], 'last_accessed_at', ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// Extend implements sessions.Store.
func (s *Store) Extend(ctx context.Context, id string) (bool, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	n, err := extendScript.Run(ctx, s.client, []string{s.sessionKey(id), s.indexKey()},
		fmtMs(now), id, fmtMs(expiresAt), fmtMs(expiresAt.Add(s.retention)),
	).Int()
	if err != nil {
		return false, fmt.Errorf("extend session: %w", err)
	}
	return n == 1, nil
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sessionKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Stats implements sessions.Store.
func (s *Store) Stats(ctx context.Context) (sessions.Stats, error) {
	now := fmtMs(s.now())
	var active, expired, total *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		active = p.ZCount(ctx, s.indexKey(), now, "+inf")
		expired = p.ZCount(ctx, s.indexKey(), "-inf", "("+now)
		total = p.ZCard(ctx, s.indexKey())
		return nil
	})
	if err != nil {
		return sessions.Stats{}, fmt.Errorf("session stats: %w", err)
	}
	return sessions.Stats{
		Active:  int(active.Val()),
		Expired: int(expired.Val()),
		Total:   int(total.Val()),
	}, nil
}
