// Package memstore is a process-local sessions.Store. State is lost on
// restart and is not shared between processes; use redisstore for that.
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway/sessions"
)

var _ sessions.Store = (*Store)(nil)

// Store keeps sessions in a mutex-guarded map. Expired records are dropped
// lazily on read and periodically by a sweep started in Init.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*sessions.Session
	closed   bool

	ttl           time.Duration
	defaultMax    int
	sweepInterval time.Duration
	now           sessions.Clock
	log           *slog.Logger

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
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

// WithSweepInterval sets how often expired sessions are purged. Zero keeps
// the default of a quarter of the TTL.
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

// New creates a Store. Call Init to start the sweep.
func New(opts ...Option) *Store {
	s := &Store{
		sessions:   make(map[string]*sessions.Session),
		ttl:        sessions.DefaultTTL,
		defaultMax: sessions.DefaultMaxToolCalls,
		now:        time.Now,
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = s.ttl / 4
	}
	return s
}

// Init starts the background sweep. It is a no-op when already running.
func (s *Store) Init(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return sessions.ErrStoreClosed
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.sweepLoop(s.stop, s.done)
	return nil
}

// Shutdown stops the sweep and rejects further operations.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.lifecycleMu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.lifecycleMu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
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
			if n := s.Sweep(); n > 0 {
				s.log.Debug("sessions.sweep", slog.Int("removed", n))
			}
		}
	}
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Create implements sessions.Store.
func (s *Store) Create(ctx context.Context, params sessions.CreateParams) (*sessions.Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	sess := sessions.NewSession(params, s.now(), s.ttl, s.defaultMax)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sessions.ErrStoreClosed
	}
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// lookup returns the live record for id, dropping it if expired. Callers
// must hold s.mu.
func (s *Store) lookup(id string, now time.Time) (*sessions.Session, error) {
	if s.closed {
		return nil, sessions.ErrStoreClosed
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if sess.Expired(now) {
		delete(s.sessions, id)
		return nil, sessions.ErrSessionNotFound
	}
	return sess, nil
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, id string) (*sessions.Session, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(id, now)
	if err != nil {
		return nil, err
	}
	sess.LastAccessedAt = now
	return sess.Clone(), nil
}

// IncrementToolCalls implements sessions.Store.
func (s *Store) IncrementToolCalls(ctx context.Context, id string) (sessions.QuotaResult, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(id, now)
	if err != nil {
		return sessions.QuotaResult{}, err
	}
	sess.Quota.Used++
	sess.LastAccessedAt = now
	return sessions.QuotaResult{
		Allowed: sess.Quota.Used <= sess.Quota.Max,
		Used:    sess.Quota.Used,
		Max:     sess.Quota.Max,
	}, nil
}

// Extend implements sessions.Store.
func (s *Store) Extend(ctx context.Context, id string) (bool, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.lookup(id, now)
	if err == sessions.ErrSessionNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	sess.ExpiresAt = now.Add(s.ttl)
	sess.LastAccessedAt = now
	return true, nil
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.ErrStoreClosed
	}
	delete(s.sessions, id)
	return nil
}

// Stats implements sessions.Store.
func (s *Store) Stats(ctx context.Context) (sessions.Stats, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.Stats{}, sessions.ErrStoreClosed
	}
	var st sessions.Stats
	for _, sess := range s.sessions {
		if sess.Expired(now) {
			st.Expired++
		} else {
			st.Active++
		}
	}
	st.Total = len(s.sessions)
	return st, nil
}
