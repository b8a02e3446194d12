package protocol

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/executor"
	"github.com/ggoodman/mcp-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/resources"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/ggoodman/mcp-gateway/sessions/memstore"
	"github.com/ggoodman/mcp-gateway/tools"
	"github.com/google/jsonschema-go/jsonschema"
)

type harness struct {
	h       *Handler
	store   *memstore.Store
	calls   map[string]*atomic.Int64
	mu      sync.Mutex
	reports []executor.Report
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hs := &harness{store: memstore.New(), calls: map[string]*atomic.Int64{}}
	handler := func(name string, out any, err error) tools.Handler {
		n := &atomic.Int64{}
		hs.calls[name] = n
		return func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			n.Add(1)
			return out, err
		}
	}
	reg, err := tools.NewRegistry(
		tools.Definition{Name: "echo", Description: "Echo text", Handler: handler("echo", "plain text", nil)},
		tools.Definition{Name: "stats", Handler: handler("stats", map[string]any{"clicks": 3}, nil)},
		tools.Definition{
			Name: "launch",
			Schema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{"name": {Type: "string"}},
				Required:   []string{"name"},
			},
			Handler:   handler("launch", "launched", nil),
			Dangerous: true,
		},
		tools.Definition{Name: "broken", Handler: handler("broken", nil, errString("adapter down"))},
		tools.Definition{Name: "panics", Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			panic("kaboom")
		}},
		tools.Definition{Name: "stall", Timeout: 20 * time.Millisecond, Handler: func(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	exec, err := executor.New(reg, hs.store)
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	static, err := resources.NewStatic(resources.Entry{
		Resource: mcp.Resource{URI: "docs://guide", Name: "guide", MimeType: "text/plain"},
		Text:     "read me",
	})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	hs.h, err = New(exec,
		WithResources(static),
		WithServerInfo(mcp.ImplementationInfo{Name: "test-gateway", Version: "1.0.0"}),
		WithObserver(executor.ObserverFunc(func(ctx context.Context, r executor.Report) {
			hs.mu.Lock()
			hs.reports = append(hs.reports, r)
			hs.mu.Unlock()
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return hs
}

type errString string

func (e errString) Error() string { return string(e) }

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
	if id != nil {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	return req
}

func (hs *harness) session(t *testing.T, params sessions.CreateParams) *sessions.Session {
	t.Helper()
	s, err := hs.store.Create(context.Background(), params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func decodeResult[T any](t *testing.T, res *jsonrpc.Response) T {
	t.Helper()
	var out T
	if res == nil {
		t.Fatal("unexpected nil response")
	}
	if res.Error != nil {
		t.Fatalf("unexpected error response: %+v", res.Error)
	}
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func expectError(t *testing.T, res *jsonrpc.Response, code jsonrpc.ErrorCode) {
	t.Helper()
	if res == nil || res.Error == nil {
		t.Fatalf("expected error %d, got %+v", code, res)
	}
	if res.Error.Code != code {
		t.Fatalf("expected error %d, got %d (%s)", code, res.Error.Code, res.Error.Message)
	}
}

func TestEnvelopeIntegrity(t *testing.T) {
	hs := newHarness(t)
	sess := hs.session(t, sessions.CreateParams{})
	cases := []struct {
		method string
		params any
	}{
		{"initialize", mcp.InitializeRequest{ProtocolVersion: "2025-03-26"}},
		{"ping", nil},
		{"tools/list", nil},
		{"tools/call", mcp.CallToolRequest{Name: "echo"}},
		{"resources/list", nil},
		{"resources/read", mcp.ReadResourceRequest{URI: "docs://guide"}},
		{"does/not/exist", nil},
	}
	for i, tc := range cases {
		for _, id := range []any{int64(i + 1), "req-" + tc.method} {
			res := hs.h.Handle(context.Background(), request(t, id, tc.method, tc.params), sess)
			if res == nil {
				t.Fatalf("%s: nil response", tc.method)
			}
			b, err := json.Marshal(res)
			if err != nil {
				t.Fatalf("%s: marshal: %v", tc.method, err)
			}
			var env map[string]any
			if err := json.Unmarshal(b, &env); err != nil {
				t.Fatalf("%s: unmarshal: %v", tc.method, err)
			}
			if env["jsonrpc"] != "2.0" {
				t.Errorf("%s: missing jsonrpc 2.0: %s", tc.method, b)
			}
			wantID := id
			if n, ok := id.(int64); ok {
				wantID = float64(n)
			}
			if env["id"] != wantID {
				t.Errorf("%s: id not echoed: want %v got %v", tc.method, wantID, env["id"])
			}
		}
	}
}

func TestInitializedReturnsNull(t *testing.T) {
	hs := newHarness(t)
	for _, m := range []string{"notifications/initialized", "initialized"} {
		if res := hs.h.Handle(context.Background(), request(t, nil, m, nil), nil); res != nil {
			t.Fatalf("%s: want nil, got %+v", m, res)
		}
		if res := hs.h.Handle(context.Background(), request(t, 9, m, nil), nil); res != nil {
			t.Fatalf("%s with id: want nil, got %+v", m, res)
		}
	}
	if res := hs.h.Handle(context.Background(), request(t, nil, "notifications/cancelled", nil), nil); res != nil {
		t.Fatalf("other notifications should produce no response, got %+v", res)
	}
}

func TestInvalidVersion(t *testing.T) {
	hs := newHarness(t)
	req := request(t, "abc", "ping", nil)
	req.JSONRPCVersion = "1.0"
	res := hs.h.Handle(context.Background(), req, nil)
	expectError(t, res, jsonrpc.ErrorCodeInvalidRequest)
	if res.ID.String() != "abc" {
		t.Fatalf("id not echoed: %v", res.ID)
	}
}

func TestUnknownMethod(t *testing.T) {
	hs := newHarness(t)
	expectError(t, hs.h.Handle(context.Background(), request(t, 1, "prompts/list", nil), nil), jsonrpc.ErrorCodeMethodNotFound)
}

func TestInitialize(t *testing.T) {
	hs := newHarness(t)
	res := decodeResult[mcp.InitializeResult](t, hs.h.Handle(context.Background(), request(t, 1, "initialize", mcp.InitializeRequest{ProtocolVersion: "2024-11-05"}), nil))
	if res.ProtocolVersion != "2024-11-05" {
		t.Fatalf("want negotiated 2024-11-05, got %s", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != "test-gateway" {
		t.Fatalf("unexpected server info: %+v", res.ServerInfo)
	}
	if res.Capabilities.Tools == nil || res.Capabilities.Tools.ListChanged {
		t.Fatalf("tools capability should be present with listChanged=false: %+v", res.Capabilities.Tools)
	}
	if res.Capabilities.Resources == nil {
		t.Fatal("resources capability should be present")
	}

	res = decodeResult[mcp.InitializeResult](t, hs.h.Handle(context.Background(), request(t, 2, "initialize", mcp.InitializeRequest{ProtocolVersion: "1999-01-01"}), nil))
	if res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unsupported version should fall back to latest, got %s", res.ProtocolVersion)
	}
}

func TestPing(t *testing.T) {
	hs := newHarness(t)
	res := hs.h.Handle(context.Background(), request(t, 1, "ping", nil), nil)
	if res.Error != nil || string(res.Result) != "{}" {
		t.Fatalf("want empty object, got %s %+v", res.Result, res.Error)
	}
}

func TestToolsListAllowList(t *testing.T) {
	hs := newHarness(t)
	all := hs.h.exec.Registry().Len()

	for _, allowed := range [][]string{nil, {}} {
		sess := hs.session(t, sessions.CreateParams{AllowedTools: allowed})
		res := decodeResult[mcp.ListToolsResult](t, hs.h.Handle(context.Background(), request(t, 1, "tools/list", nil), sess))
		if len(res.Tools) != all {
			t.Fatalf("allowedTools=%v: want %d tools, got %d", allowed, all, len(res.Tools))
		}
	}

	sess := hs.session(t, sessions.CreateParams{AllowedTools: []string{"echo"}})
	res := decodeResult[mcp.ListToolsResult](t, hs.h.Handle(context.Background(), request(t, 1, "tools/list", nil), sess))
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Fatalf("want only echo, got %+v", res.Tools)
	}
}

func TestToolsCallNotAllowed(t *testing.T) {
	hs := newHarness(t)
	sess := hs.session(t, sessions.CreateParams{AllowedTools: []string{"echo"}})
	res := decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", mcp.CallToolRequest{Name: "stats"}), sess))
	if !res.IsError || res.Code != CodeToolNotAllowed {
		t.Fatalf("want TOOL_NOT_ALLOWED, got %+v", res)
	}
	if hs.calls["stats"].Load() != 0 {
		t.Fatal("handler must not run for a disallowed tool")
	}
	got, _ := hs.store.Get(context.Background(), sess.ID)
	if got.Quota.Used != 0 {
		t.Fatalf("disallowed calls should not consume quota, used=%d", got.Quota.Used)
	}
	if len(hs.reports) != 1 || hs.reports[0].Outcome != executor.OutcomeNotAllowed {
		t.Fatalf("expected a not_allowed report, got %+v", hs.reports)
	}
}

func TestToolsCallMissingName(t *testing.T) {
	hs := newHarness(t)
	expectError(t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", map[string]any{}), nil), jsonrpc.ErrorCodeInvalidParams)
	expectError(t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", nil), nil), jsonrpc.ErrorCodeInvalidParams)
	expectError(t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", mcp.CallToolRequest{Name: "ghost"}), nil), jsonrpc.ErrorCodeInvalidParams)
}

func TestToolsCallResultShapes(t *testing.T) {
	hs := newHarness(t)
	sess := hs.session(t, sessions.CreateParams{MaxToolCalls: 20})

	res := decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", mcp.CallToolRequest{Name: "echo"}), sess))
	if res.IsError || len(res.Content) != 1 || res.Content[0].Type != "text" || res.Content[0].Text != "plain text" {
		t.Fatalf("string results pass through as text: %+v", res)
	}

	res = decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 2, "tools/call", mcp.CallToolRequest{Name: "stats"}), sess))
	if res.Content[0].Text != `{"clicks":3}` {
		t.Fatalf("structured results are JSON encoded: %q", res.Content[0].Text)
	}

	res = decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 3, "tools/call", mcp.CallToolRequest{Name: "broken"}), sess))
	var denial map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if !res.IsError || denial["success"] != false || denial["error"] != "adapter down" {
		t.Fatalf("handler errors become denial payloads: %+v %v", res, denial)
	}

	res = decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 4, "tools/call", mcp.CallToolRequest{Name: "stall"}), sess))
	if !res.IsError || !strings.Contains(res.Content[0].Text, `"reason":"timeout"`) {
		t.Fatalf("timeouts become denial payloads: %+v", res)
	}

	res = decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 5, "tools/call", mcp.CallToolRequest{Name: "panics"}), sess))
	if !res.IsError || !strings.Contains(res.Content[0].Text, "kaboom") {
		t.Fatalf("panics become denial payloads: %+v", res)
	}
}

func TestToolsCallApprovalRequired(t *testing.T) {
	hs := newHarness(t)
	sess := hs.session(t, sessions.CreateParams{ConversationID: "c-42"})
	res := decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 1, "tools/call", mcp.CallToolRequest{
		Name:      "launch",
		Arguments: json.RawMessage(`{"name":"spring sale"}`),
	}), sess))
	if res.IsError {
		t.Fatal("approval_required is not an error result")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(res.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["approval_required"] != true || payload["tool"] != "launch" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if hs.calls["launch"].Load() != 0 {
		t.Fatal("dangerous handler must not run under block")
	}
	if len(hs.reports) != 1 || !hs.reports[0].ApprovalGate() || !hs.reports[0].Dangerous {
		t.Fatalf("unexpected report: %+v", hs.reports)
	}
}

func TestToolsCallQuotaDenial(t *testing.T) {
	hs := newHarness(t)
	sess := hs.session(t, sessions.CreateParams{MaxToolCalls: 1})
	_ = hs.h.Handle(context.Background(), request(t, 1, "tools/call", mcp.CallToolRequest{Name: "echo"}), sess)
	res := decodeResult[mcp.CallToolResult](t, hs.h.Handle(context.Background(), request(t, 2, "tools/call", mcp.CallToolRequest{Name: "echo"}), sess))
	if !res.IsError || !strings.Contains(res.Content[0].Text, "tool_call_limit_reached") {
		t.Fatalf("want quota denial, got %+v", res)
	}
}

func TestResources(t *testing.T) {
	hs := newHarness(t)
	list := decodeResult[mcp.ListResourcesResult](t, hs.h.Handle(context.Background(), request(t, 1, "resources/list", nil), nil))
	if len(list.Resources) != 1 || list.Resources[0].URI != "docs://guide" {
		t.Fatalf("unexpected resources: %+v", list)
	}
	read := decodeResult[mcp.ReadResourceResult](t, hs.h.Handle(context.Background(), request(t, 2, "resources/read", mcp.ReadResourceRequest{URI: "docs://guide"}), nil))
	if len(read.Contents) != 1 || read.Contents[0].Text != "read me" {
		t.Fatalf("unexpected contents: %+v", read)
	}
	expectError(t, hs.h.Handle(context.Background(), request(t, 3, "resources/read", mcp.ReadResourceRequest{URI: "docs://missing"}), nil), jsonrpc.ErrorCodeInvalidParams)
	expectError(t, hs.h.Handle(context.Background(), request(t, 4, "resources/read", map[string]any{}), nil), jsonrpc.ErrorCodeInvalidParams)
}

type failingProvider struct{}

func (failingProvider) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	panic("provider exploded")
}

func (failingProvider) ReadResource(ctx context.Context, uri string, tc tools.Context) ([]mcp.ResourceContents, error) {
	return nil, errString("backend offline")
}

func TestBranchFailuresBecomeInternalErrors(t *testing.T) {
	hs := newHarness(t)
	h, err := New(hs.h.exec, WithResources(failingProvider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := h.Handle(context.Background(), request(t, 1, "resources/list", nil), nil)
	expectError(t, res, jsonrpc.ErrorCodeInternalError)
	if !strings.Contains(res.Error.Message, "provider exploded") {
		t.Fatalf("panic message should be carried: %q", res.Error.Message)
	}
	res = h.Handle(context.Background(), request(t, 2, "resources/read", mcp.ReadResourceRequest{URI: "x://y"}), nil)
	expectError(t, res, jsonrpc.ErrorCodeInternalError)
	if !strings.Contains(res.Error.Message, "backend offline") {
		t.Fatalf("error message should be carried: %q", res.Error.Message)
	}
}

func TestNoResourceProvider(t *testing.T) {
	hs := newHarness(t)
	h, err := New(hs.h.exec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	init := decodeResult[mcp.InitializeResult](t, h.Handle(context.Background(), request(t, 1, "initialize", nil), nil))
	if init.Capabilities.Resources != nil {
		t.Fatal("resources capability should be absent without a provider")
	}
	list := decodeResult[mcp.ListResourcesResult](t, h.Handle(context.Background(), request(t, 2, "resources/list", nil), nil))
	if len(list.Resources) != 0 {
		t.Fatalf("want empty list, got %+v", list)
	}
}
