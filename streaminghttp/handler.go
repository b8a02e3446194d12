package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway/approvals"
	"github.com/ggoodman/mcp-gateway/audit"
	"github.com/ggoodman/mcp-gateway/auth"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/internal/logctx"
	"github.com/ggoodman/mcp-gateway/internal/wellknown"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/metrics"
	"github.com/ggoodman/mcp-gateway/protocol"
	"github.com/ggoodman/mcp-gateway/ratelimit"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	responseMediaTypes    = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	callerUserIDHeader      = "X-Caller-User-Id"
	callerAccountIDHeader   = "X-Caller-Account-Id"
	callerAccessTokenHeader = "X-Caller-Access-Token"
	conversationIDHeader    = "X-Conversation-Id"
	allowedToolsHeader      = "X-Allowed-Tools"
	dangerousPolicyHeader   = "X-Dangerous-Policy"
	maxToolCallsHeader      = "X-Max-Tool-Calls"
)

// DefaultMCPPath is where the MCP endpoint is mounted by default.
const DefaultMCPPath = "/mcp"

// DefaultHeartbeatInterval spaces keep-alive frames on GET streams.
const DefaultHeartbeatInterval = 15 * time.Second

const maxBodyBytes = 4 << 20

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that are
// not JSON-RPC exchanges (media type problems, admin routes).
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// writeRPCError rejects a request at the transport with a JSON-RPC error
// body mirroring the HTTP status.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	writeResponse(w, status, jsonrpc.NewErrorResponse(id, code, msg, nil))
}

func writeResponse(w http.ResponseWriter, status int, res *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the StreamingHTTPHandler.
type Option func(*StreamingHTTPHandler)

// WithLogger sets the logger. Records are enriched with request, session
// and rpc attributes.
func WithLogger(l *slog.Logger) Option {
	return func(h *StreamingHTTPHandler) { h.log = l }
}

// WithSharedSecret requires every request to carry the shared secret.
func WithSharedSecret(s *auth.SharedSecret) Option {
	return func(h *StreamingHTTPHandler) { h.secret = s }
}

// WithAdminSecret guards the session and approval admin routes with s
// instead of the shared secret used by MCP clients.
func WithAdminSecret(s *auth.SharedSecret) Option {
	return func(h *StreamingHTTPHandler) { h.adminSecret = s }
}

// WithAuthenticator verifies bearer tokens presented on initialize; the
// token claims then describe the caller of the new session.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *StreamingHTTPHandler) { h.auth = a }
}

// WithRateLimiter applies l to every POST to the MCP endpoint.
func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(h *StreamingHTTPHandler) { h.limiter = l }
}

// WithApprovals mounts the approval admin routes over s.
func WithApprovals(s approvals.Store) Option {
	return func(h *StreamingHTTPHandler) { h.approvals = s }
}

// WithAudit records transport rejections and admin actions.
func WithAudit(a *audit.Logger) Option {
	return func(h *StreamingHTTPHandler) { h.audit = a }
}

// WithMetrics counts HTTP requests and rate-limit rejections on m and
// serves it at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *StreamingHTTPHandler) { h.metrics = m }
}

// WithMCPPath mounts the MCP endpoint at path instead of DefaultMCPPath.
func WithMCPPath(path string) Option {
	return func(h *StreamingHTTPHandler) { h.mcpPath = path }
}

// WithHeartbeatInterval spaces keep-alive frames on GET streams.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *StreamingHTTPHandler) { h.heartbeat = d }
}

// WithProtectedResource publishes RFC 9728 metadata for resource, the public
// URL of the MCP endpoint, and points rejected bearer tokens at it. issuer is
// advertised as the authorization server when set. algs defaults to HS256.
func WithProtectedResource(resource, issuer string, algs ...string) Option {
	return func(h *StreamingHTTPHandler) {
		if len(algs) == 0 {
			algs = []string{"HS256"}
		}
		md := wellknown.ForResource(resource, issuer, "mcp-gateway", algs...)
		h.resourceMD = &md
	}
}

// StreamingHTTPHandler serves the MCP endpoint and the admin routes.
type StreamingHTTPHandler struct {
	root http.Handler
	log  *slog.Logger

	proto       *protocol.Handler
	store       sessions.Store
	secret      *auth.SharedSecret
	adminSecret *auth.SharedSecret
	auth        auth.Authenticator
	limiter     ratelimit.Limiter
	approvals   approvals.Store
	audit       *audit.Logger
	metrics     *metrics.Metrics

	mcpPath   string
	heartbeat time.Duration

	resourceMD      *wellknown.ProtectedResourceMetadata
	resourceMDURL   string
	bearerChallenge string

	closing   chan struct{}
	closeOnce sync.Once
}

// Close ends every open GET stream and makes new ones end immediately.
// Register it with http.Server.RegisterOnShutdown so Shutdown does not wait
// on long-lived streams.
func (h *StreamingHTTPHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a StreamingHTTPHandler serving proto for sessions held in
// store. Without WithSharedSecret every request is accepted.
func New(proto *protocol.Handler, store sessions.Store, opts ...Option) (*StreamingHTTPHandler, error) {
	if proto == nil {
		return nil, fmt.Errorf("protocol handler is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	h := &StreamingHTTPHandler{
		proto:     proto,
		store:     store,
		mcpPath:   DefaultMCPPath,
		heartbeat: DefaultHeartbeatInterval,
		closing:   make(chan struct{}),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if !strings.HasPrefix(h.mcpPath, "/") {
		return nil, fmt.Errorf("mcp path must start with /, got %q", h.mcpPath)
	}
	if h.heartbeat <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", h.heartbeat)
	}
	if h.secret == nil {
		h.secret = auth.NewSharedSecret("", "")
	}
	if h.adminSecret == nil {
		h.adminSecret = h.secret
	}
	h.bearerChallenge = `Bearer error="invalid_token"`
	if h.resourceMD != nil {
		u, err := url.Parse(h.resourceMD.Resource)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("protected resource must be an absolute URL, got %q", h.resourceMD.Resource)
		}
		h.resourceMDURL = u.Scheme + "://" + u.Host + wellknown.ProtectedResourcePath
		h.bearerChallenge = fmt.Sprintf(`Bearer resource_metadata="%s", error="invalid_token"`, h.resourceMDURL)
	}
	if h.audit == nil {
		h.audit = audit.New(nil)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+h.mcpPath, h.handlePostMCP)
	mux.HandleFunc("GET "+h.mcpPath, h.handleGetMCP)
	mux.HandleFunc("DELETE "+h.mcpPath, h.handleDeleteMCP)

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions", h.handleSessionStats)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/extend", h.handleExtendSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)

	if h.approvals != nil {
		mux.HandleFunc("GET /approvals/{id}", h.handleGetApproval)
		mux.HandleFunc("POST /approvals/{id}/approve", h.handleDecideApproval(true))
		mux.HandleFunc("POST /approvals/{id}/deny", h.handleDecideApproval(false))
	}

	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	if h.resourceMD != nil {
		md := *h.resourceMD
		mux.HandleFunc("GET "+wellknown.ProtectedResourcePath, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, md)
		})
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	h.root = mux
	if h.metrics != nil {
		h.root = h.metrics.Middleware(mux)
	}
	return h, nil
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// rejection is a transport-level refusal mirrored as a JSON-RPC error.
type rejection struct {
	status    int
	code      jsonrpc.ErrorCode
	msg       string
	challenge string
}

func (h *StreamingHTTPHandler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	if !h.checkSecret(ctx, w, r, true) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.body.read.fail", slog.String("err", err.Error()))
		return
	}

	req, errRes := jsonrpc.DecodeRequest(body)
	if errRes != nil {
		writeResponse(w, http.StatusBadRequest, errRes)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", errRes.Error.Message))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if !h.checkRateLimit(ctx, w, r, sessID, req.ID) {
		return
	}

	var sess *sessions.Session
	if sessID == "" {
		if req.Method != string(mcp.InitializeMethod) {
			h.rejectSession(ctx, w, req.ID, "", "missing "+mcpSessionIDHeader+" header")
			return
		}
		var rej *rejection
		sess, rej = h.createSessionFromRequest(ctx, r, req)
		if rej != nil {
			if rej.challenge != "" {
				w.Header().Set("WWW-Authenticate", rej.challenge)
			}
			writeRPCError(w, rej.status, req.ID, rej.code, rej.msg)
			return
		}
	} else {
		sess, err = h.store.Get(ctx, sessID)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				h.rejectSession(ctx, w, req.ID, sessID, "session not found or expired")
				return
			}
			writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to load session")
			h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
			return
		}
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:      sess.ID,
		UserID:         sess.Caller.UserID,
		ConversationID: sess.ConversationID,
	})

	clientPV := r.Header.Get(mcpProtocolVersionHeader)
	if clientPV != "" && sess.ProtocolVersion != "" && clientPV != sess.ProtocolVersion && req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}

	res := h.proto.Handle(ctx, req, sess)
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	if wantsEventStream(r) {
		f, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "flusher.missing")
			return
		}
		wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
		setEventStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		if err := writeSSEEvent(wf, "", b); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(append(b, '\n')); err != nil {
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// wantsEventStream reports whether the client's Accept header prefers an
// event stream over plain JSON. Clients that send no Accept header, or one
// matching neither, get JSON.
func wantsEventStream(r *http.Request) bool {
	mt, _, err := contenttype.GetAcceptableMediaType(r, responseMediaTypes)
	if err != nil {
		return false
	}
	return mt.Matches(eventStreamMediaType)
}

func setEventStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// checkSecret verifies the shared secret. MCP routes answer with a JSON-RPC
// body; admin routes with a plain JSON error.
func (h *StreamingHTTPHandler) checkSecret(ctx context.Context, w http.ResponseWriter, r *http.Request, rpc bool) bool {
	err := h.secret.Check(r)
	if err == nil {
		return true
	}
	h.rejectAuth(ctx, w, r, err, rpc)
	return false
}

// checkAdmin guards the session and approval admin routes. They never run
// unauthenticated: without any secret configured they are refused.
func (h *StreamingHTTPHandler) checkAdmin(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	var err error
	if !h.adminSecret.Enabled() {
		err = fmt.Errorf("%w: admin routes require a secret", auth.ErrUnauthorized)
	} else {
		err = h.adminSecret.Check(r)
	}
	if err == nil {
		return true
	}
	h.rejectAuth(ctx, w, r, err, false)
	return false
}

func (h *StreamingHTTPHandler) rejectAuth(ctx context.Context, w http.ResponseWriter, r *http.Request, err error, rpc bool) {
	h.audit.Log(ctx, audit.Event{
		Operation: audit.OpAuthReject,
		SessionID: r.Header.Get(mcpSessionIDHeader),
		Error:     err.Error(),
	})
	h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
	if rpc {
		writeRPCError(w, http.StatusForbidden, nil, jsonrpc.ErrorCodeUnauthorized, "")
	} else {
		writeJSONError(w, http.StatusForbidden, "unauthorized")
	}
}

// checkRateLimit charges one request against the window of the session, or
// of the remote address for requests that do not name a session yet.
// Limiter failures let the request through.
func (h *StreamingHTTPHandler) checkRateLimit(ctx context.Context, w http.ResponseWriter, r *http.Request, sessID string, id *jsonrpc.RequestID) bool {
	if h.limiter == nil {
		return true
	}
	key := "session:" + sessID
	if sessID == "" {
		key = "addr:" + remoteHost(r)
	}
	d, err := h.limiter.Allow(ctx, key)
	if err != nil {
		h.log.ErrorContext(ctx, "ratelimit.check.fail", slog.String("err", err.Error()))
		return true
	}
	if d.Allowed {
		return true
	}
	if h.metrics != nil {
		h.metrics.RecordRateLimited()
	}
	h.audit.Log(ctx, audit.Event{
		Operation: audit.OpRateLimitReject,
		SessionID: sessID,
		Error:     fmt.Sprintf("%d requests in window, limit %d", d.Count, d.Limit),
	})
	h.log.InfoContext(ctx, "ratelimit.reject", slog.Int("count", d.Count), slog.Duration("retry_after", d.RetryAfter))
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	writeRPCError(w, http.StatusTooManyRequests, id, jsonrpc.ErrorCodeRateLimited, "")
	return false
}

func (h *StreamingHTTPHandler) rejectSession(ctx context.Context, w http.ResponseWriter, id *jsonrpc.RequestID, sessID, reason string) {
	h.audit.Log(ctx, audit.Event{
		Operation: audit.OpAuthReject,
		SessionID: sessID,
		Error:     reason,
	})
	h.log.InfoContext(ctx, "session.load.miss", slog.String("err", reason))
	writeRPCError(w, http.StatusUnauthorized, id, jsonrpc.ErrorCodeInvalidSession, "")
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// createSessionFromRequest opens a session for an initialize request that
// does not name one. The caller comes from a verified bearer token when an
// authenticator is configured and a token is present, and from the
// X-Caller-* headers otherwise.
func (h *StreamingHTTPHandler) createSessionFromRequest(ctx context.Context, r *http.Request, req *jsonrpc.Request) (*sessions.Session, *rejection) {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return nil, &rejection{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", ""}
		}
	}

	var (
		params sessions.CreateParams
		err    error
	)
	if tok, ok := auth.BearerToken(r); ok && h.auth != nil {
		params, err = h.paramsFromToken(ctx, tok)
		if err != nil {
			h.audit.Log(ctx, audit.Event{Operation: audit.OpAuthReject, Error: err.Error()})
			h.log.InfoContext(ctx, "auth.token.fail", slog.String("err", err.Error()))
			return nil, &rejection{http.StatusForbidden, jsonrpc.ErrorCodeUnauthorized, "", h.bearerChallenge}
		}
	} else {
		params, err = paramsFromHeaders(r.Header)
		if err != nil {
			h.log.InfoContext(ctx, "session.initialize.headers.fail", slog.String("err", err.Error()))
			return nil, &rejection{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, err.Error(), ""}
		}
	}
	params.ProtocolVersion = protocol.NegotiateVersion(initReq.ProtocolVersion)

	sess, err := h.store.Create(ctx, params)
	if err != nil {
		if errors.Is(err, sessions.ErrInvalidParams) {
			return nil, &rejection{http.StatusBadRequest, jsonrpc.ErrorCodeInvalidParams, err.Error(), ""}
		}
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, &rejection{http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, "failed to initialize session", ""}
	}
	h.audit.Log(ctx, audit.Event{
		Operation:      audit.OpSessionCreate,
		SessionID:      sess.ID,
		UserID:         sess.Caller.UserID,
		ConversationID: sess.ConversationID,
		Success:        true,
	})
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("session_id", sess.ID))
	return sess, nil
}

func (h *StreamingHTTPHandler) paramsFromToken(ctx context.Context, tok string) (sessions.CreateParams, error) {
	info, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		return sessions.CreateParams{}, err
	}
	claims, err := auth.CallerFromUserInfo(info)
	if err != nil {
		return sessions.CreateParams{}, err
	}
	return sessions.CreateParams{
		Caller: sessions.Caller{
			UserID:      claims.Subject,
			AccountID:   claims.AccountID,
			AccessToken: claims.AccessToken,
			Attributes:  claims.Attributes,
		},
		ConversationID:  claims.ConversationID,
		AllowedTools:    claims.AllowedTools,
		DangerousPolicy: sessions.DangerousPolicy(claims.DangerousPolicy),
		MaxToolCalls:    claims.MaxToolCalls,
	}, nil
}

func paramsFromHeaders(hdr http.Header) (sessions.CreateParams, error) {
	params := sessions.CreateParams{
		Caller: sessions.Caller{
			UserID:      hdr.Get(callerUserIDHeader),
			AccountID:   hdr.Get(callerAccountIDHeader),
			AccessToken: hdr.Get(callerAccessTokenHeader),
		},
		ConversationID:  hdr.Get(conversationIDHeader),
		DangerousPolicy: sessions.DangerousPolicy(hdr.Get(dangerousPolicyHeader)),
	}
	if v := hdr.Get(allowedToolsHeader); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				params.AllowedTools = append(params.AllowedTools, name)
			}
		}
	}
	if v := hdr.Get(maxToolCallsHeader); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return sessions.CreateParams{}, fmt.Errorf("invalid %s header %q", maxToolCallsHeader, v)
		}
		params.MaxToolCalls = n
	}
	return params, nil
}

// handleGetMCP opens a server-push stream for an established session. The
// gateway initiates no messages of its own, so the stream carries heartbeat
// comments until the client goes away or the session ends.
func (h *StreamingHTTPHandler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	if err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	if !h.checkSecret(ctx, w, r, true) {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.rejectSession(ctx, w, nil, "", "missing "+mcpSessionIDHeader+" header")
		return
	}
	sess, err := h.store.Get(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.rejectSession(ctx, w, nil, sessID, "session not found or expired")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:      sess.ID,
		UserID:         sess.Caller.UserID,
		ConversationID: sess.ConversationID,
	})

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	setEventStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-h.closing:
			h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
			return
		case <-ticker.C:
			if _, err := h.store.Get(ctx, sess.ID); err != nil {
				h.log.InfoContext(ctx, "sse.stream.session_gone", slog.String("err", err.Error()))
				return
			}
			if err := writeSSEComment(wf, "heartbeat"); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleDeleteMCP ends the session named by Mcp-Session-Id.
func (h *StreamingHTTPHandler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkSecret(ctx, w, r, true) {
		return
	}
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+mcpSessionIDHeader+" header")
		return
	}
	if !h.deleteSession(ctx, w, sessID) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) deleteSession(ctx context.Context, w http.ResponseWriter, id string) bool {
	if err := h.store.Delete(ctx, id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return false
	}
	if h.limiter != nil {
		if err := h.limiter.Forget(ctx, "session:"+id); err != nil {
			h.log.WarnContext(ctx, "ratelimit.forget.fail", slog.String("err", err.Error()))
		}
	}
	h.audit.Log(ctx, audit.Event{Operation: audit.OpSessionDelete, SessionID: id, Success: true})
	return true
}

// writeSSEEvent writes a Server-Sent Event carrying payload as its data
// field and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment writes a comment frame, which clients ignore.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return fmt.Errorf("failed to write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}
