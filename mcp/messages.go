package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// MCP method names and notifications handled by the gateway.
const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"
	// LegacyInitializedMethod is the pre-namespaced spelling some clients
	// still send.
	LegacyInitializedMethod Method = "initialized"

	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	ResourcesListMethod Method = "resources/list"
	ResourcesReadMethod Method = "resources/read"

	PingMethod Method = "ping"
)

// InitializeRequest starts the MCP initialization handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns negotiated capabilities and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
}

// ListToolsResult is the tools/list result.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolRequest is the tools/call params object.
type CallToolRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *CallToolMeta   `json:"_meta,omitempty"`
}

// CallToolMeta carries optional call metadata.
type CallToolMeta struct {
	// ApprovalID redeems a previously granted approval for a dangerous tool.
	ApprovalID string `json:"approvalId,omitzero"`
}

// CallToolResult is the normalized tools/call result envelope.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	// Code is a machine-readable reason attached to tool-level denials.
	Code string `json:"code,omitzero"`
}

// TextResult wraps text in a single-block CallToolResult.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: ContentTypeText, Text: text}}}
}

// ListResourcesResult is the resources/list result.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceRequest is the resources/read params object.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the resources/read result.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}
