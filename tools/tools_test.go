package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
)

type listArgs struct {
	AccountID string `json:"account_id" jsonschema:"description=Ad account to inspect"`
	Limit     int    `json:"limit,omitempty" jsonschema:"default=10"`
	Active    bool   `json:"active,omitempty"`
}

func noop(ctx context.Context, args map[string]any, tc Context) (any, error) { return args, nil }

func mustRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	r, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegistryLookupAndOrder(t *testing.T) {
	r := mustRegistry(t,
		Definition{Name: "b", Handler: noop},
		Definition{Name: "a", Handler: noop, Dangerous: true},
	)
	if r.Len() != 2 {
		t.Fatalf("expected 2 tools, got %d", r.Len())
	}
	if list := r.List(); list[0].Name() != "b" || list[1].Name() != "a" {
		t.Fatalf("expected registration order, got %s,%s", list[0].Name(), list[1].Name())
	}
	a, ok := r.Lookup("a")
	if !ok || !a.Dangerous() {
		t.Fatalf("lookup a: %v %v", a, ok)
	}
	if a.Descriptor().Annotations == nil || a.Descriptor().Annotations.DestructiveHint == nil || !*a.Descriptor().Annotations.DestructiveHint {
		t.Fatalf("dangerous tool should carry destructiveHint")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("unexpected hit for missing tool")
	}
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	if _, err := NewRegistry(Definition{Name: "x", Handler: noop}, Definition{Name: "x", Handler: noop}); !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
	if _, err := NewRegistry(Definition{Name: "x"}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for missing handler, got %v", err)
	}
	if _, err := NewRegistry(Definition{Handler: noop}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for missing name, got %v", err)
	}
	if _, err := NewRegistry(Definition{Name: "x", Handler: noop, Schema: &jsonschema.Schema{Type: "string"}}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for non-object schema, got %v", err)
	}
}

func TestDescriptorsFilter(t *testing.T) {
	r := mustRegistry(t,
		Definition{Name: "toolA", Handler: noop},
		Definition{Name: "toolB", Handler: noop},
	)
	if got := r.Descriptors(nil); len(got) != 2 {
		t.Fatalf("expected full catalog, got %d", len(got))
	}
	got := r.Descriptors(func(name string) bool { return name == "toolA" })
	if len(got) != 1 || got[0].Name != "toolA" {
		t.Fatalf("unexpected filtered catalog: %+v", got)
	}
	var schema map[string]any
	if err := json.Unmarshal(got[0].InputSchema, &schema); err != nil {
		t.Fatalf("input schema is not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("expected object input schema, got %v", schema)
	}
}

func TestTypedToolDefaultsAndCoercion(t *testing.T) {
	var got listArgs
	def, err := NewTool("list_campaigns", func(ctx context.Context, a listArgs, tc Context) (any, error) {
		got = a
		return "ok", nil
	}, WithDescription("List campaigns"))
	if err != nil {
		t.Fatalf("NewTool: %v", err)
	}
	r := mustRegistry(t, def)
	tool, _ := r.Lookup("list_campaigns")

	args, errs := tool.Validate(json.RawMessage(`{"account_id":"act_1","active":"true"}`))
	if errs != nil {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if args["limit"] != float64(10) {
		t.Fatalf("expected default limit 10, got %v", args["limit"])
	}
	if args["active"] != true {
		t.Fatalf("expected active coerced to true, got %v", args["active"])
	}
	if _, err := tool.Invoke(context.Background(), args, Context{}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got.Limit != 10 || got.AccountID != "act_1" || !got.Active {
		t.Fatalf("handler received %+v", got)
	}

	args, errs = tool.Validate(json.RawMessage(`{"account_id":"act_1","limit":"25"}`))
	if errs != nil {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if args["limit"] != float64(25) {
		t.Fatalf("expected limit coerced to 25, got %v", args["limit"])
	}
}

func TestValidationErrorsNameTheField(t *testing.T) {
	def := MustNewTool("list_campaigns", func(ctx context.Context, a listArgs, tc Context) (any, error) {
		t.Fatalf("handler must not run")
		return nil, nil
	})
	r := mustRegistry(t, def)
	tool, _ := r.Lookup("list_campaigns")

	cases := []struct {
		name  string
		in    string
		field string
	}{
		{"wrong type", `{"account_id":"act_1","limit":"lots"}`, "limit"},
		{"missing required", `{"limit":5}`, "account_id"},
		{"unknown field", `{"account_id":"act_1","extra":1}`, "extra"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args, errs := tool.Validate(json.RawMessage(tc.in))
			if args != nil {
				t.Fatalf("expected nil args on failure, got %v", args)
			}
			if len(errs) == 0 {
				t.Fatalf("expected field errors")
			}
			var found *FieldError
			for i := range errs {
				if errs[i].Field == tc.field {
					found = &errs[i]
				}
			}
			if found == nil {
				t.Fatalf("expected an error for %q, got %v", tc.field, errs)
			}
			if strings.HasPrefix(found.Message, tc.field) {
				t.Fatalf("message repeats the field name: %q", found.Message)
			}
			if s := Summarize([]FieldError{*found}); !strings.HasPrefix(s, tc.field+": ") || strings.Contains(s, tc.field+": "+tc.field) {
				t.Fatalf("unexpected summary %q", s)
			}
		})
	}

	if _, errs := tool.Validate(json.RawMessage(`[1,2]`)); len(errs) != 1 || errs[0].Field != "" {
		t.Fatalf("expected a single object-level error, got %v", errs)
	}
}

func TestRawSchemaDefinition(t *testing.T) {
	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(`{
		"type":"object",
		"properties":{
			"budget":{"type":"number","minimum":1},
			"mode":{"type":"string","enum":["daily","lifetime"],"default":"daily"}
		},
		"required":["budget"]
	}`), &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	r := mustRegistry(t, Definition{Name: "set_budget", Schema: &schema, Handler: noop, Dangerous: true})
	tool, _ := r.Lookup("set_budget")

	args, errs := tool.Validate(json.RawMessage(`{"budget":"12.5"}`))
	if errs != nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if args["budget"] != 12.5 || args["mode"] != "daily" {
		t.Fatalf("unexpected args: %v", args)
	}

	_, errs = tool.Validate(json.RawMessage(`{"budget":0,"mode":"weekly"}`))
	if len(errs) != 2 {
		t.Fatalf("expected one error per bad field, got %v", errs)
	}
	if errs[0].Field != "budget" || errs[1].Field != "mode" {
		t.Fatalf("expected errors sorted by field, got %v", errs)
	}

	if args, errs := tool.Validate(nil); errs == nil || args != nil {
		t.Fatalf("expected missing budget to fail")
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]FieldError{{Field: "x", Message: "is required"}, {Message: "bad"}})
	if s != "x: is required; bad" {
		t.Fatalf("unexpected summary %q", s)
	}
}
