package executor

import (
	"context"
	"time"
)

// Report describes one finished tools/call. It is handed to observers such
// as the audit log and the metrics collectors.
type Report struct {
	Tool           string
	SessionID      string
	ConversationID string
	UserID         string
	Dangerous      bool
	Outcome        Outcome
	ApprovalID     string
	Duration       time.Duration
	// Err is set for calls that failed with an error rather than a denial.
	Err error
}

// ApprovalGate reports whether the call stopped at or passed through the
// dangerous-tool gate.
func (r Report) ApprovalGate() bool {
	return r.Outcome == OutcomeApprovalRequired || r.Outcome == OutcomeApprovalRejected || r.ApprovalID != ""
}

// Observer receives a Report for every tools/call.
type Observer interface {
	ObserveToolCall(ctx context.Context, r Report)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, r Report)

// ObserveToolCall implements Observer.
func (f ObserverFunc) ObserveToolCall(ctx context.Context, r Report) { f(ctx, r) }
