// Package approvals records one-time approvals for dangerous tool calls.
//
// An approval moves pending -> approved|denied -> executed. It is bound to
// the session, tool and exact coerced arguments it was issued for, so a
// granted approval cannot be replayed or redirected to a different call.
package approvals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExecuted Status = "executed"
)

var (
	// ErrApprovalNotFound is returned for unknown or expired approvals.
	ErrApprovalNotFound = errors.New("approval not found")
	// ErrNotPending is returned when deciding an approval twice.
	ErrNotPending = errors.New("approval is not pending")
	// ErrNotApproved is returned when consuming an approval that was not granted
	// or was already used.
	ErrNotApproved = errors.New("approval not granted")
	// ErrMismatch is returned when an approval is redeemed for a different
	// session, tool or argument set.
	ErrMismatch = errors.New("approval does not match this call")
)

// DefaultTTL bounds how long an approval stays redeemable.
const DefaultTTL = 15 * time.Minute

// Approval is a snapshot of one approval record.
type Approval struct {
	ID             string         `json:"approvalId"`
	SessionID      string         `json:"sessionId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	ArgsHash       string         `json:"argsHash"`
	Reason         string         `json:"reason,omitempty"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	ExpiresAt      time.Time      `json:"expiresAt"`
	DecidedAt      *time.Time     `json:"decidedAt,omitempty"`
}

// Request describes the call an approval is issued for.
type Request struct {
	SessionID      string
	ConversationID string
	Tool           string
	Args           map[string]any
	Reason         string
}

// Store persists approvals. Implementations must be safe for concurrent use
// and make Decide and Consume atomic.
type Store interface {
	Create(ctx context.Context, req Request) (*Approval, error)
	Get(ctx context.Context, id string) (*Approval, error)
	// Decide moves a pending approval to approved or denied.
	Decide(ctx context.Context, id string, approve bool) (*Approval, error)
	// Consume moves an approved approval to executed after checking it
	// matches sessionID, tool and argsHash.
	Consume(ctx context.Context, id, sessionID, tool, argsHash string) error
}

// HashArgs returns a stable digest of coerced arguments. Map keys are
// serialized in sorted order, so equal argument sets hash equally.
func HashArgs(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func newApproval(req Request, now time.Time, ttl time.Duration) *Approval {
	return &Approval{
		ID:             uuid.NewString(),
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Tool:           req.Tool,
		Args:           req.Args,
		ArgsHash:       HashArgs(req.Args),
		Reason:         req.Reason,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}
