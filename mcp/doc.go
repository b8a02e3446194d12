// Package mcp contains the Model Context Protocol wire types used by the
// gateway: method names, the initialize handshake, tool and resource
// listings, and the tool-call result envelope.
//
// The package is free of transport logic. The protocol handler builds these
// values and the HTTP and stdio transports marshal them inside JSON-RPC
// envelopes.
//
// # Tool results
//
// Every tools/call outcome is normalized into a single text content block:
//
//	res := mcp.TextResult(`{"success":true}`)
//
// Tool-level denials (for example a tool outside the session allow-list)
// still travel as successful JSON-RPC responses. They set IsError and a
// machine-readable Code so the calling agent can treat them as data.
//
// # Compatibility
//
// LatestProtocolVersion is the protocol revision the gateway prefers. A
// client asking for another supported revision gets that revision echoed
// back during initialize.
package mcp
