package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID).
//
// Decoding a Request does not validate the version field; the protocol
// handler does that so it can answer with an Invalid Request error that
// still echoes the id.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID.IsNil()
}

// Response represents a JSON-RPC response. The id is always serialized,
// as null when the request id could not be determined.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
// An empty message is replaced with the code's canonical message.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	if message == "" {
		message = code.String()
	}
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeRequest parses a single JSON-RPC request from data. When the bytes
// cannot be parsed it returns a ready-to-send error response instead: a
// Parse error for malformed JSON and an Invalid Request for batches or
// non-object payloads.
func DecodeRequest(data []byte) (*Request, *Response) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewErrorResponse(nil, ErrorCodeInvalidRequest, "empty message", nil)
	}
	if !json.Valid(trimmed) {
		return nil, NewErrorResponse(nil, ErrorCodeParseError, "", nil)
	}
	switch trimmed[0] {
	case '{':
	case '[':
		return nil, NewErrorResponse(nil, ErrorCodeInvalidRequest, "batch requests are not supported", nil)
	default:
		return nil, NewErrorResponse(nil, ErrorCodeInvalidRequest, "request must be a JSON object", nil)
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		// The id may still be recoverable for the error response.
		var peek struct {
			ID *RequestID `json:"id"`
		}
		_ = json.Unmarshal(trimmed, &peek)
		return nil, NewErrorResponse(peek.ID, ErrorCodeInvalidRequest, err.Error(), nil)
	}
	return &req, nil
}
