// Package streaminghttp serves the gateway over HTTP. It mounts as a
// standard net/http handler.
//
// Routes
//
//	POST   /mcp                     one JSON-RPC request per body
//	GET    /mcp                     server-push stream of heartbeat frames
//	DELETE /mcp                     end the session named by Mcp-Session-Id
//	POST   /sessions                create a session for a caller
//	GET    /sessions                store statistics
//	GET    /sessions/{id}           session view, access token withheld
//	POST   /sessions/{id}/extend    push expiry forward
//	DELETE /sessions/{id}           end a session
//	GET    /approvals/{id}          approval record
//	POST   /approvals/{id}/approve  grant a pending approval
//	POST   /approvals/{id}/deny     refuse a pending approval
//	GET    /metrics                 Prometheus exposition, when configured
//	GET    /healthz                 liveness
//
// The MCP endpoint path is configurable with WithMCPPath. The /sessions and
// /approvals routes check WithAdminSecret when given and fall back to the
// shared secret. With neither configured they answer 403.
//
// # Request Pipeline
//
// Every POST /mcp passes the same gates, in order, before it reaches the
// protocol handler:
//
//  1. Shared-secret check. Failure answers 403 with JSON-RPC code -32001.
//  2. Sliding-window rate limit keyed by session id. Failure answers 429
//     with code -32002 and a Retry-After header.
//  3. Session resolution. A request other than initialize without a live
//     session answers 401 with code -32003. An initialize without
//     Mcp-Session-Id creates a session from a verified bearer token, or
//     from the X-Caller-* headers.
//
// Responses echo Mcp-Session-Id. Notifications are acknowledged with 204
// and no body. The response is plain JSON unless the client only accepts
// text/event-stream, in which case it is delivered as a single SSE event.
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New(proto, store,
//	    streaminghttp.WithSharedSecret(auth.NewSharedSecret("", secret)),
//	    streaminghttp.WithRateLimiter(limiter),
//	)
//	http.ListenAndServe(":8080", h)
package streaminghttp
