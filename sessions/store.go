package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for absent and expired sessions alike.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidParams is returned when CreateParams fail validation.
	ErrInvalidParams = errors.New("invalid session params")
	// ErrStoreClosed is returned by operations after Shutdown.
	ErrStoreClosed = errors.New("session store closed")
)

// Store is the abstract session persistence contract. Implementations must
// be safe for concurrent use.
type Store interface {
	// Init starts background work such as the expiry sweep. Calling any other
	// method before Init is allowed; sweeping simply does not happen.
	Init(ctx context.Context) error
	// Shutdown stops background work and releases resources.
	Shutdown(ctx context.Context) error

	// Create stores a new session and returns its snapshot.
	Create(ctx context.Context, params CreateParams) (*Session, error)
	// Get returns the session and refreshes its last-access time.
	Get(ctx context.Context, id string) (*Session, error)
	// IncrementToolCalls atomically counts one tool-call attempt.
	IncrementToolCalls(ctx context.Context, id string) (QuotaResult, error)
	// Extend pushes expiry to now plus the store TTL. It reports false when
	// the session is absent or already expired.
	Extend(ctx context.Context, id string) (bool, error)
	// Delete removes the session. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// Stats reports active, expired and total record counts.
	Stats(ctx context.Context) (Stats, error)
}

// Clock returns the current time. Backends accept one so tests can move time.
type Clock func() time.Time

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks caller-supplied fields.
func (p CreateParams) Validate() error {
	if !p.DangerousPolicy.Valid() {
		return fmt.Errorf("%w: dangerousPolicy must be %q or %q", ErrInvalidParams, DangerousPolicyBlock, DangerousPolicyAllow)
	}
	if p.MaxToolCalls < 0 {
		return fmt.Errorf("%w: maxToolCalls must not be negative", ErrInvalidParams)
	}
	return nil
}

// NewSession builds the initial record for params. Backends call it so
// defaults are applied identically everywhere.
func NewSession(params CreateParams, now time.Time, ttl time.Duration, defaultMax int) *Session {
	maxCalls := params.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = defaultMax
	}
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Session{
		ID:              NewID(),
		Caller:          params.Caller,
		ConversationID:  params.ConversationID,
		AllowedTools:    append([]string(nil), params.AllowedTools...),
		DangerousPolicy: params.DangerousPolicy,
		ProtocolVersion: params.ProtocolVersion,
		Quota:           Quota{Used: 0, Max: maxCalls},
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		LastAccessedAt:  now,
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.AllowedTools = append([]string(nil), s.AllowedTools...)
	if s.Caller.Attributes != nil {
		c.Caller.Attributes = make(map[string]string, len(s.Caller.Attributes))
		for k, v := range s.Caller.Attributes {
			c.Caller.Attributes[k] = v
		}
	}
	return &c
}

// Expired reports whether s is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
