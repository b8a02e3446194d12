// Package audit writes one structured "AUDIT" log record per security
// relevant gateway event: every tools/call outcome, session lifecycle
// changes, approval decisions and transport rejections.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/executor"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
)

// Operation names an auditable action.
type Operation string

const (
	OpToolCall        Operation = "tool.call"
	OpSessionCreate   Operation = "session.create"
	OpSessionExtend   Operation = "session.extend"
	OpSessionDelete   Operation = "session.delete"
	OpApprovalApprove Operation = "approval.approve"
	OpApprovalDeny    Operation = "approval.deny"
	OpAuthReject      Operation = "auth.reject"
	OpRateLimitReject Operation = "ratelimit.reject"
)

// Event is one audit record.
type Event struct {
	Timestamp      time.Time
	Operation      Operation
	SessionID      string
	UserID         string
	ConversationID string
	RequestID      string
	Tool           string
	Outcome        string
	Success        bool
	ApprovalGate   bool
	ApprovalID     string
	Duration       time.Duration
	Error          string
}

// Logger writes audit events.
type Logger struct {
	log *slog.Logger
	now func() time.Time
}

var _ executor.Observer = (*Logger)(nil)

// New creates a Logger that writes through l. A nil l discards events.
func New(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Logger{log: l, now: time.Now}
}

// Log records an event.
func (l *Logger) Log(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.RequestID == "" {
		ev.RequestID = logctx.RequestID(ctx)
	}
	attrs := []slog.Attr{
		slog.Bool("audit", true),
		slog.String("operation", string(ev.Operation)),
		slog.Bool("success", ev.Success),
		slog.Time("timestamp", ev.Timestamp),
	}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.ConversationID != "" {
		attrs = append(attrs, slog.String("conversation_id", ev.ConversationID))
	}
	if ev.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", ev.RequestID))
	}
	if ev.Tool != "" {
		attrs = append(attrs, slog.String("tool", ev.Tool))
	}
	if ev.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", ev.Outcome))
	}
	if ev.Operation == OpToolCall {
		attrs = append(attrs, slog.Bool("approval_gate", ev.ApprovalGate), slog.Duration("dur", ev.Duration))
	}
	if ev.ApprovalID != "" {
		attrs = append(attrs, slog.String("approval_id", ev.ApprovalID))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "AUDIT", attrs...)
}

// ObserveToolCall implements executor.Observer.
func (l *Logger) ObserveToolCall(ctx context.Context, r executor.Report) {
	ev := Event{
		Operation:      OpToolCall,
		SessionID:      r.SessionID,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Tool:           r.Tool,
		Outcome:        string(r.Outcome),
		Success:        r.Outcome == executor.OutcomeSuccess,
		ApprovalGate:   r.ApprovalGate(),
		ApprovalID:     r.ApprovalID,
		Duration:       r.Duration,
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	l.Log(ctx, ev)
}
