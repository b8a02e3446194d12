package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps approvals in Redis so any gateway process can redeem an
// approval granted through another. Each approval is a hash holding the
// immutable record as JSON next to its mutable status. Redis evicts the key
// once the approval expires.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix sets the prefix for approval keys.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithRedisTTL sets how long approvals stay redeemable.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRedisClock overrides the time source.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a RedisStore over client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	s := &RedisStore{client: client, keyPrefix: "mcpgw:", ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RedisStore) key(id string) string { return s.keyPrefix + "approval:" + id }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// KEYS[1] hash; ARGV[1] now ms. Returns {status, record, decided_at} or nil.
var getScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'record', 'decided_at', 'expires_at')
if not v[1] then return nil end
if tonumber(ARGV[1]) > tonumber(v[4]) then
  redis.call('DEL', KEYS[1])
  return nil
end
return {v[1], v[2], v[3] or ''}
`)

// KEYS[1] hash; ARGV[1] now ms, ARGV[2] new status.
var decideScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'record', 'expires_at')
if not v[1] then return {'missing'} end
if tonumber(ARGV[1]) > tonumber(v[3]) then
  redis.call('DEL', KEYS[1])
  return {'missing'}
end
if v[1] ~= 'pending' then return {'not_pending'} end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'decided_at', ARGV[1])
return {'ok', v[2]}
`)

// KEYS[1] hash; ARGV[1] now ms, ARGV[2] session, ARGV[3] tool, ARGV[4] args hash.
var consumeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'status', 'session_id', 'tool', 'args_hash', 'expires_at')
if not v[1] then return 'missing' end
if tonumber(ARGV[1]) > tonumber(v[5]) then
  redis.call('DEL', KEYS[1])
  return 'missing'
end
if v[2] ~= ARGV[2] or v[3] ~= ARGV[3] or v[4] ~= ARGV[4] then return 'mismatch' end
if v[1] ~= 'approved' then return 'not_approved' end
redis.call('HSET', KEYS[1], 'status', 'executed')
return 'ok'
`)

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, req Request) (*Approval, error) {
	a := newApproval(req, s.now(), s.ttl)
	rec, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal approval: %w", err)
	}
	key := s.key(a.ID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"record", string(rec),
			"status", string(StatusPending),
			"session_id", a.SessionID,
			"tool", a.Tool,
			"args_hash", a.ArgsHash,
			"expires_at", ms(a.ExpiresAt),
		)
		p.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store approval: %w", err)
	}
	return a, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*Approval, error) {
	res, err := getScript.Run(ctx, s.client, []string{s.key(id)}, ms(s.now())).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrApprovalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("get approval: unexpected reply of length %d", len(res))
	}
	return decodeRecord(res[1], Status(res[0]), res[2])
}

// Decide implements Store.
func (s *RedisStore) Decide(ctx context.Context, id string, approve bool) (*Approval, error) {
	status := StatusDenied
	if approve {
		status = StatusApproved
	}
	now := s.now()
	res, err := decideScript.Run(ctx, s.client, []string{s.key(id)}, ms(now), string(status)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	switch res[0] {
	case "missing":
		return nil, ErrApprovalNotFound
	case "not_pending":
		return nil, ErrNotPending
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("decide approval: unexpected reply %v", res)
	}
	return decodeRecord(res[1], status, ms(now))
}

// Consume implements Store.
func (s *RedisStore) Consume(ctx context.Context, id, sessionID, tool, argsHash string) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(id)}, ms(s.now()), sessionID, tool, argsHash).Text()
	if err != nil {
		return fmt.Errorf("consume approval: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "missing":
		return ErrApprovalNotFound
	case "mismatch":
		return ErrMismatch
	case "not_approved":
		return ErrNotApproved
	default:
		return fmt.Errorf("consume approval: unexpected reply %q", res)
	}
}

func decodeRecord(rec string, status Status, decidedAt string) (*Approval, error) {
	var a Approval
	if err := json.Unmarshal([]byte(rec), &a); err != nil {
		return nil, fmt.Errorf("decode approval: %w", err)
	}
	a.Status = status
	if decidedAt != "" {
		n, err := strconv.ParseInt(decidedAt, 10, 64)
		if err == nil {
			t := time.UnixMilli(n).UTC()
			a.DecidedAt = &t
		}
	}
	return &a, nil
}
