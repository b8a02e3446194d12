package approvals

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps approvals in process memory. Expired records are
// dropped when touched and swept from Create at most once per TTL.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]*Approval
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL sets how long approvals stay redeemable.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMemoryClock overrides the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{records: make(map[string]*Approval), ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) lookup(id string) (*Approval, error) {
	a, ok := s.records[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	if s.now().After(a.ExpiresAt) {
		delete(s.records, id)
		return nil, ErrApprovalNotFound
	}
	return a, nil
}

// Sweep drops every expired record and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.now())
}

func (s *MemoryStore) sweepLocked(now time.Time) int {
	n := 0
	for id, a := range s.records {
		if now.After(a.ExpiresAt) {
			delete(s.records, id)
			n++
		}
	}
	s.nextSweep = now.Add(s.ttl)
	return n
}

func snapshot(a *Approval) *Approval {
	c := *a
	return &c
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, req Request) (*Approval, error) {
	now := s.now()
	a := newApproval(req, now, s.ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.Before(s.nextSweep) {
		s.sweepLocked(now)
	}
	s.records[a.ID] = a
	return snapshot(a), nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return snapshot(a), nil
}

// Decide implements Store.
func (s *MemoryStore) Decide(ctx context.Context, id string, approve bool) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusPending {
		return nil, ErrNotPending
	}
	now := s.now()
	a.DecidedAt = &now
	if approve {
		a.Status = StatusApproved
	} else {
		a.Status = StatusDenied
	}
	return snapshot(a), nil
}

// Consume implements Store.
func (s *MemoryStore) Consume(ctx context.Context, id, sessionID, tool, argsHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.lookup(id)
	if err != nil {
		return err
	}
	if a.SessionID != sessionID || a.Tool != tool || a.ArgsHash != argsHash {
		return ErrMismatch
	}
	if a.Status != StatusApproved {
		return ErrNotApproved
	}
	a.Status = StatusExecuted
	return nil
}
