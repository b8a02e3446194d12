// Package protocol dispatches MCP JSON-RPC requests to the tool executor and
// the resource provider.
//
// Handle never returns a Go error. Every failure becomes a JSON-RPC error
// object, and every policy denial becomes an ordinary tools/call result.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway/executor"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/resources"
	"github.com/ggoodman/mcp-gateway/sessions"
)

// CodeToolNotAllowed marks a tools/call rejected by the session allow-list.
const CodeToolNotAllowed = "TOOL_NOT_ALLOWED"

// Handler is the MCP protocol handler. It is safe for concurrent use.
type Handler struct {
	exec         *executor.Executor
	resources    resources.Provider
	serverInfo   mcp.ImplementationInfo
	instructions string
	observers    []executor.Observer
	log          *slog.Logger
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithResources sets the resource provider. Without one, resources/list is
// empty and resources/read always fails.
func WithResources(p resources.Provider) Option {
	return func(h *Handler) { h.resources = p }
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(h *Handler) { h.serverInfo = info }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(h *Handler) { h.instructions = s }
}

// WithObserver adds an observer notified of every tools/call outcome.
func WithObserver(o executor.Observer) Option {
	return func(h *Handler) {
		if o != nil {
			h.observers = append(h.observers, o)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// New creates a Handler around exec.
func New(exec *executor.Executor, opts ...Option) (*Handler, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	h := &Handler{
		exec:       exec,
		serverInfo: mcp.ImplementationInfo{Name: "mcp-gateway", Version: "dev"},
		log:        slog.New(slog.DiscardHandler),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NegotiateVersion returns the protocol version to answer initialize with.
func NegotiateVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

// IsInitialized reports whether method is the initialized notification in
// either spelling.
func IsInitialized(method string) bool {
	return method == string(mcp.InitializedNotificationMethod) || method == string(mcp.LegacyInitializedMethod)
}

// Handle processes one request on behalf of sess, which is nil for trusted
// callers without a session. A nil response means nothing should be sent.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request, sess *sessions.Session) (res *jsonrpc.Response) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	defer func() {
		if r := recover(); r != nil {
			h.log.ErrorContext(ctx, "protocol.handle.panic", slog.Any("panic", r))
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("%v", r), nil)
		}
	}()

	if req.JSONRPCVersion != jsonrpc.ProtocolVersion {
		h.log.InfoContext(ctx, "protocol.handle.invalid", slog.String("err", "bad jsonrpc version"))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "", nil)
	}

	if IsInitialized(req.Method) {
		return nil
	}
	if req.IsNotification() {
		h.log.DebugContext(ctx, "protocol.notification.ignored")
		return nil
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case string(mcp.InitializeMethod):
		result, err = h.handleInitialize(req)
	case string(mcp.PingMethod):
		result = struct{}{}
	case string(mcp.ToolsListMethod):
		result = h.handleToolsList(sess)
	case string(mcp.ToolsCallMethod):
		result, err = h.handleToolsCall(ctx, req, sess)
	case string(mcp.ResourcesListMethod):
		result, err = h.handleResourcesList(ctx)
	case string(mcp.ResourcesReadMethod):
		result, err = h.handleResourcesRead(ctx, req, sess)
	default:
		h.log.InfoContext(ctx, "protocol.handle.unknown_method")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "", nil)
	}
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		}
		h.log.ErrorContext(ctx, "protocol.handle.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	res, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		h.log.ErrorContext(ctx, "protocol.handle.encode_fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return res
}

func invalidParams(msg string) error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: msg}
}

func decodeParams(req *jsonrpc.Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return invalidParams("invalid params: " + err.Error())
	}
	return nil
}

func (h *Handler) handleInitialize(req *jsonrpc.Request) (*mcp.InitializeResult, error) {
	var params mcp.InitializeRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	caps := mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{ListChanged: false}}
	if h.resources != nil {
		caps.Resources = &mcp.ResourcesCapability{}
	}
	return &mcp.InitializeResult{
		ProtocolVersion: NegotiateVersion(params.ProtocolVersion),
		Capabilities:    caps,
		ServerInfo:      h.serverInfo,
		Instructions:    h.instructions,
	}, nil
}

func (h *Handler) handleToolsList(sess *sessions.Session) *mcp.ListToolsResult {
	var allow func(string) bool
	if sess != nil {
		allow = sess.IsToolAllowed
	}
	return &mcp.ListToolsResult{Tools: h.exec.Registry().Descriptors(allow)}
}

func (h *Handler) handleToolsCall(ctx context.Context, req *jsonrpc.Request, sess *sessions.Session) (*mcp.CallToolResult, error) {
	var params mcp.CallToolRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.Name == "" {
		return nil, invalidParams("missing tool name")
	}

	report := executor.Report{Tool: params.Name}
	if sess != nil {
		report.SessionID = sess.ID
		report.ConversationID = sess.ConversationID
		report.UserID = sess.Caller.UserID
	}
	if tool, ok := h.exec.Registry().Lookup(params.Name); ok {
		report.Dangerous = tool.Dangerous()
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name, Dangerous: report.Dangerous})
	start := h.now()
	defer func() {
		report.Duration = h.now().Sub(start)
		for _, o := range h.observers {
			o.ObserveToolCall(ctx, report)
		}
	}()

	if sess != nil && !sess.IsToolAllowed(params.Name) {
		report.Outcome = executor.OutcomeNotAllowed
		res := mcp.TextResult(fmt.Sprintf("Tool %q is not allowed for this session.", params.Name))
		res.IsError = true
		res.Code = CodeToolNotAllowed
		return res, nil
	}

	call := executor.Call{Name: params.Name, Arguments: params.Arguments, Session: sess}
	if params.Meta != nil {
		call.ApprovalID = params.Meta.ApprovalID
	}

	out, err := h.exec.Execute(ctx, call)
	if err != nil {
		report.Outcome = executor.OutcomeOf(err)
		report.Err = err
		return h.toolFailure(ctx, params.Name, err)
	}
	report.Outcome = out.Outcome
	report.ApprovalID = out.ApprovalID

	text, err := stringify(out.Value)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	res := mcp.TextResult(text)
	res.IsError = isErrorOutcome(out.Outcome)
	return res, nil
}

// toolFailure converts executor errors into in-band results where the agent
// can act on them.
func (h *Handler) toolFailure(ctx context.Context, name string, err error) (*mcp.CallToolResult, error) {
	var (
		te *executor.TimeoutError
		he *executor.HandlerError
	)
	var payload map[string]any
	switch {
	case errors.Is(err, executor.ErrToolNotFound):
		return nil, invalidParams(fmt.Sprintf("unknown tool: %s", name))
	case errors.As(err, &te):
		payload = map[string]any{"success": false, "error": te.Error(), "reason": "timeout", "timeoutMs": te.Timeout.Milliseconds()}
	case errors.As(err, &he):
		payload = map[string]any{"success": false, "error": he.Error()}
	default:
		return nil, err
	}
	text, encErr := stringify(payload)
	if encErr != nil {
		return nil, encErr
	}
	res := mcp.TextResult(text)
	res.IsError = true
	return res, nil
}

func isErrorOutcome(o executor.Outcome) bool {
	switch o {
	case executor.OutcomeSuccess, executor.OutcomeApprovalRequired:
		return false
	}
	return true
}

func stringify(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *Handler) handleResourcesList(ctx context.Context) (*mcp.ListResourcesResult, error) {
	if h.resources == nil {
		return &mcp.ListResourcesResult{Resources: []mcp.Resource{}}, nil
	}
	list, err := h.resources.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	if list == nil {
		list = []mcp.Resource{}
	}
	return &mcp.ListResourcesResult{Resources: list}, nil
}

func (h *Handler) handleResourcesRead(ctx context.Context, req *jsonrpc.Request, sess *sessions.Session) (*mcp.ReadResourceResult, error) {
	var params mcp.ReadResourceRequest
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, invalidParams("missing resource uri")
	}
	if h.resources == nil {
		return nil, invalidParams(fmt.Sprintf("%v: %s", resources.ErrResourceNotFound, params.URI))
	}
	contents, err := h.resources.ReadResource(ctx, params.URI, executor.ToolContext(sess))
	if errors.Is(err, resources.ErrResourceNotFound) {
		return nil, invalidParams(err.Error())
	}
	if err != nil {
		return nil, fmt.Errorf("read resource: %w", err)
	}
	return &mcp.ReadResourceResult{Contents: contents}, nil
}
