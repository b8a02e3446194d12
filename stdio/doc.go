// Package stdio serves the gateway over stdin/stdout. It is intended for
// running the gateway as a child process of an orchestrator, where spawning
// a process and piping JSON is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : none; the parent process is trusted
//	Sessions         : one, created at startup from the caller context
//	Framing          : newline-delimited JSON-RPC
//
// The caller context (user, account, access token, conversation, allow-list,
// dangerous-tool policy, quota) is fixed for the life of the process and is
// normally decoded from MCP_* environment variables by the binary.
//
// Every request line produces exactly one response line. Notifications
// produce none. Requests are handled concurrently, so responses may be
// written in a different order than the requests arrived.
//
// Example:
//
//	h := stdio.NewHandler(proto, store, stdio.WithCaller(params))
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
package stdio
