// Package sessions defines the gateway's session record and the abstract
// Store contract every backend implements.
//
// A session ties an opaque id to the caller context a tool invocation needs
// (caller identity, upstream credentials, conversation id), the per-session
// policy (allow-list, dangerous-tool policy) and the tool-call quota.
//
// # Expiry
//
// A session whose expiry has passed is indistinguishable from one that never
// existed. Backends apply the check inside every operation and report
// ErrSessionNotFound; callers never compare timestamps themselves.
//
// # Quota
//
// IncrementToolCalls is the only way to touch the counter. It increments and
// compares in one atomic backend operation, so concurrent calls on the same
// session can never both observe "under limit" for the last slot. Attempts
// past the limit are still counted.
//
// # Implementations
//
//	memstore   : process-local map with a periodic sweep
//	redisstore : Redis hashes driven by Lua scripts, shared across processes
//
// Both run the storetest conformance suite.
package sessions
