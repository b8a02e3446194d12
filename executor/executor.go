// Package executor runs tool calls through the gateway pipeline: lookup,
// quota, argument validation, the dangerous-tool gate and invocation under
// a timeout.
//
// Policy denials are returned as data in Result.Value so they can travel back
// to the agent as ordinary tool output. Only conditions the agent cannot act
// on (unknown tool, handler failure, timeout, store failure) are errors.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/approvals"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/tools"
)

// DefaultTimeout bounds tools that do not declare their own timeout.
const DefaultTimeout = 30 * time.Second

// Outcome classifies how a tool call ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeQuotaExceeded    Outcome = "tool_call_limit_reached"
	OutcomeSessionNotFound  Outcome = "session_not_found"
	OutcomeValidationError  Outcome = "validation_error"
	OutcomeApprovalRequired Outcome = "approval_required"
	OutcomeApprovalRejected Outcome = "approval_rejected"
	OutcomeNotAllowed       Outcome = "not_allowed"
	OutcomeToolNotFound     Outcome = "tool_not_found"
	OutcomeHandlerError     Outcome = "handler_error"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeInternalError    Outcome = "internal_error"
)

// Call is one tool invocation request.
type Call struct {
	Name      string
	Arguments json.RawMessage
	// Session is nil for trusted calls that carry no session. Such calls
	// skip the quota stage and use the executor's default dangerous policy.
	Session *sessions.Session
	// ApprovalID redeems a previously granted approval for a dangerous tool.
	ApprovalID string
}

// Result is the payload of a call that did not fail. Value is either the
// handler's result, unmodified, or a denial payload.
type Result struct {
	Value   any
	Outcome Outcome
	// ApprovalID is set when the approval gate issued or consumed an approval.
	ApprovalID string
}

// Executor runs tool calls. It is safe for concurrent use.
type Executor struct {
	registry       *tools.Registry
	sessions       sessions.Store
	approvals      approvals.Store
	defaultTimeout time.Duration
	defaultPolicy  sessions.DangerousPolicy
	log            *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithDefaultTimeout sets the bound for tools without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithDefaultDangerousPolicy sets the policy used when a session does not
// specify one.
func WithDefaultDangerousPolicy(p sessions.DangerousPolicy) Option {
	return func(e *Executor) {
		if p != "" {
			e.defaultPolicy = p
		}
	}
}

// WithApprovals enables one-time approval tokens at the dangerous-tool gate.
func WithApprovals(store approvals.Store) Option {
	return func(e *Executor) { e.approvals = store }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Executor over registry and store.
func New(registry *tools.Registry, store sessions.Store, opts ...Option) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	e := &Executor{
		registry:       registry,
		sessions:       store,
		defaultTimeout: DefaultTimeout,
		defaultPolicy:  sessions.DangerousPolicyBlock,
		log:            slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.defaultPolicy.Valid() {
		return nil, fmt.Errorf("invalid default dangerous policy %q", e.defaultPolicy)
	}
	return e, nil
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *tools.Registry { return e.registry }

// Execute runs one call through the pipeline. Every stage may short-circuit
// with a denial Result. Errors are ErrToolNotFound, *TimeoutError,
// *HandlerError, a context error, or a session store failure.
func (e *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	tool, ok := e.registry.Lookup(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	sess := call.Session
	if sess != nil && sess.ID != "" {
		q, err := e.sessions.IncrementToolCalls(ctx, sess.ID)
		if errors.Is(err, sessions.ErrSessionNotFound) {
			e.log.InfoContext(ctx, "tool.quota.session_missing", slog.String("tool", tool.Name()))
			return &Result{
				Outcome: OutcomeSessionNotFound,
				Value: map[string]any{
					"success": false,
					"error":   string(OutcomeSessionNotFound),
					"meta":    map[string]any{"sessionId": sess.ID},
				},
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("increment tool calls: %w", err)
		}
		if !q.Allowed {
			e.log.InfoContext(ctx, "tool.quota.exceeded", slog.String("tool", tool.Name()), slog.Int("used", q.Used), slog.Int("max", q.Max))
			return &Result{
				Outcome: OutcomeQuotaExceeded,
				Value: map[string]any{
					"success": false,
					"error":   string(OutcomeQuotaExceeded),
					"meta":    map[string]any{"used": q.Used, "max": q.Max, "sessionId": sess.ID},
				},
			}, nil
		}
	}

	args, ferrs := tool.Validate(call.Arguments)
	if len(ferrs) > 0 {
		e.log.InfoContext(ctx, "tool.args.invalid", slog.String("tool", tool.Name()), slog.Int("errors", len(ferrs)))
		return &Result{
			Outcome: OutcomeValidationError,
			Value: map[string]any{
				"success":           false,
				"error":             string(OutcomeValidationError),
				"message":           tools.Summarize(ferrs),
				"validation_errors": ferrs,
			},
		}, nil
	}

	var approvalID string
	if tool.Dangerous() && e.policyFor(sess) == sessions.DangerousPolicyBlock {
		res, err := e.gate(ctx, tool, args, call)
		if res != nil || err != nil {
			return res, err
		}
		approvalID = call.ApprovalID
	}

	v, err := e.invoke(ctx, tool, args, ToolContext(sess))
	if err != nil {
		return nil, err
	}
	return &Result{Value: v, Outcome: OutcomeSuccess, ApprovalID: approvalID}, nil
}

func (e *Executor) policyFor(sess *sessions.Session) sessions.DangerousPolicy {
	if sess != nil && sess.DangerousPolicy != "" {
		return sess.DangerousPolicy
	}
	return e.defaultPolicy
}

// gate handles a dangerous tool under the block policy. A nil Result and nil
// error mean the call carried a valid approval and may proceed.
func (e *Executor) gate(ctx context.Context, tool *tools.Tool, args map[string]any, call Call) (*Result, error) {
	var sessionID, conversationID string
	if call.Session != nil {
		sessionID = call.Session.ID
		conversationID = call.Session.ConversationID
	}

	if e.approvals != nil && call.ApprovalID != "" {
		err := e.approvals.Consume(ctx, call.ApprovalID, sessionID, tool.Name(), approvals.HashArgs(args))
		if err == nil {
			e.log.InfoContext(ctx, "tool.approval.consumed", slog.String("tool", tool.Name()), slog.String("approval_id", call.ApprovalID))
			return nil, nil
		}
		reason, ok := approvalRejection(err)
		if !ok {
			return nil, fmt.Errorf("consume approval: %w", err)
		}
		e.log.InfoContext(ctx, "tool.approval.rejected", slog.String("tool", tool.Name()), slog.String("approval_id", call.ApprovalID), slog.String("reason", reason))
		return &Result{
			Outcome:    OutcomeApprovalRejected,
			ApprovalID: call.ApprovalID,
			Value: map[string]any{
				"success": false,
				"error":   reason,
				"meta":    map[string]any{"approvalId": call.ApprovalID, "tool": tool.Name()},
			},
		}, nil
	}

	reason := fmt.Sprintf("Tool %q changes external state and requires approval before it runs.", tool.Name())
	meta := map[string]any{"dangerous": true, "conversationId": conversationID}
	payload := map[string]any{
		"approval_required": true,
		"tool":              tool.Name(),
		"args":              args,
		"reason":            reason,
		"meta":              meta,
	}
	res := &Result{Outcome: OutcomeApprovalRequired, Value: payload}

	if e.approvals != nil {
		a, err := e.approvals.Create(ctx, approvals.Request{
			SessionID:      sessionID,
			ConversationID: conversationID,
			Tool:           tool.Name(),
			Args:           args,
			Reason:         reason,
		})
		if err != nil {
			return nil, fmt.Errorf("create approval: %w", err)
		}
		payload["approvalId"] = a.ID
		meta["approvalId"] = a.ID
		meta["expiresAt"] = a.ExpiresAt
		res.ApprovalID = a.ID
	}
	e.log.InfoContext(ctx, "tool.approval.required", slog.String("tool", tool.Name()), slog.String("approval_id", res.ApprovalID))
	return res, nil
}

func approvalRejection(err error) (string, bool) {
	switch {
	case errors.Is(err, approvals.ErrApprovalNotFound):
		return "approval_not_found", true
	case errors.Is(err, approvals.ErrNotApproved):
		return "approval_not_granted", true
	case errors.Is(err, approvals.ErrMismatch):
		return "approval_mismatch", true
	}
	return "", false
}

// ToolContext builds the minimal invocation context for sess. A nil session
// yields an empty context.
func ToolContext(sess *sessions.Session) tools.Context {
	if sess == nil {
		return tools.Context{}
	}
	return tools.Context{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		UserID:         sess.Caller.UserID,
		AccountID:      sess.Caller.AccountID,
		AccessToken:    sess.Caller.AccessToken,
		Attributes:     sess.Caller.Attributes,
	}
}

type invocation struct {
	value any
	err   error
}

// invoke runs the handler in its own goroutine and waits for it or the
// timeout, whichever comes first. On timeout the handler's context is
// cancelled but the handler is not waited for.
func (e *Executor) invoke(ctx context.Context, tool *tools.Tool, args map[string]any, tc tools.Context) (any, error) {
	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invocation{err: fmt.Errorf("tool handler panicked: %v", r)}
			}
		}()
		v, err := tool.Invoke(callCtx, args, tc)
		done <- invocation{value: v, err: err}
	}()

	start := time.Now()
	select {
	case inv := <-done:
		if inv.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.log.WarnContext(ctx, "tool.call.timeout", slog.String("tool", tool.Name()), slog.Duration("timeout", timeout))
			return nil, &TimeoutError{Tool: tool.Name(), Timeout: timeout}
		}
		if inv.err != nil {
			e.log.InfoContext(ctx, "tool.call.error", slog.String("tool", tool.Name()), slog.String("err", inv.err.Error()), slog.Duration("dur", time.Since(start)))
			return nil, &HandlerError{Tool: tool.Name(), Err: inv.err}
		}
		return inv.value, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.log.WarnContext(ctx, "tool.call.timeout", slog.String("tool", tool.Name()), slog.Duration("timeout", timeout))
		return nil, &TimeoutError{Tool: tool.Name(), Timeout: timeout}
	}
}
