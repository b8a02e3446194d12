package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined codes in the -32000 band, used by transports to
// reject a request before it reaches the protocol handler.
const (
	// ErrorCodeServerError is the generic transport policy rejection.
	ErrorCodeServerError ErrorCode = -32000
	// ErrorCodeUnauthorized indicates a missing or wrong shared secret.
	ErrorCodeUnauthorized ErrorCode = -32001
	// ErrorCodeRateLimited indicates the sliding-window rate limit was exceeded.
	ErrorCodeRateLimited ErrorCode = -32002
	// ErrorCodeInvalidSession indicates a missing, unknown or expired session.
	ErrorCodeInvalidSession ErrorCode = -32003
)

// String returns the canonical message for well-known codes.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeParseError:
		return "Parse error"
	case ErrorCodeInvalidRequest:
		return "Invalid Request"
	case ErrorCodeMethodNotFound:
		return "Method not found"
	case ErrorCodeInvalidParams:
		return "Invalid params"
	case ErrorCodeInternalError:
		return "Internal error"
	case ErrorCodeUnauthorized:
		return "Unauthorized"
	case ErrorCodeRateLimited:
		return "Rate limit exceeded"
	case ErrorCodeInvalidSession:
		return "Invalid or expired session"
	default:
		return "Server error"
	}
}
