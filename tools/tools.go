// Package tools is the gateway's tool registry.
//
// A tool is a named handler with an argument schema, a danger flag and an
// optional timeout. Registries are built once at startup and are read-only
// afterwards, so lookups need no locking.
//
// Tools can be declared from a raw JSON Schema (Definition) or from a Go
// struct whose schema is reflected from its json and jsonschema tags
// (NewTool). Either way, incoming arguments are coerced, defaulted and
// validated per field before a handler ever sees them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrDuplicateTool is returned when two definitions share a name.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrInvalidDefinition is returned for definitions missing a name or
	// handler, or carrying a schema that does not resolve.
	ErrInvalidDefinition = errors.New("invalid tool definition")
)

// Context is the minimal invocation context a handler receives. It carries
// caller identifiers and the upstream token, never the session record.
type Context struct {
	SessionID      string
	ConversationID string
	UserID         string
	AccountID      string
	AccessToken    string
	Attributes     map[string]string
}

// Handler executes a tool with validated, coerced arguments.
type Handler func(ctx context.Context, args map[string]any, tc Context) (any, error)

// Definition declares a tool.
type Definition struct {
	Name        string
	Description string
	// Schema describes the argument object. Nil accepts any object.
	Schema  *jsonschema.Schema
	Handler Handler
	// Timeout bounds one invocation. Zero defers to the executor default.
	Timeout   time.Duration
	Dangerous bool
}

// Tool is a compiled, immutable registry entry.
type Tool struct {
	def        Definition
	validator  *validator
	descriptor mcp.Tool
}

func compile(def Definition) (*Tool, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	if def.Handler == nil {
		return nil, fmt.Errorf("%w: tool %q has no handler", ErrInvalidDefinition, def.Name)
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("%w: tool %q has a negative timeout", ErrInvalidDefinition, def.Name)
	}
	schema := def.Schema
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	if schema.Type != "object" {
		return nil, fmt.Errorf("%w: tool %q schema must be an object, got %q", ErrInvalidDefinition, def.Name, schema.Type)
	}

	v, err := newValidator(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: %v", ErrInvalidDefinition, def.Name, err)
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: tool %q: marshal schema: %v", ErrInvalidDefinition, def.Name, err)
	}

	desc := mcp.Tool{Name: def.Name, Description: def.Description, InputSchema: raw}
	if def.Dangerous {
		destructive := true
		desc.Annotations = &mcp.ToolAnnotations{DestructiveHint: &destructive}
	}
	return &Tool{def: def, validator: v, descriptor: desc}, nil
}

func (t *Tool) Name() string           { return t.def.Name }
func (t *Tool) Description() string    { return t.def.Description }
func (t *Tool) Dangerous() bool        { return t.def.Dangerous }
func (t *Tool) Timeout() time.Duration { return t.def.Timeout }

// Descriptor returns the tools/list entry for the tool.
func (t *Tool) Descriptor() mcp.Tool { return t.descriptor }

// Validate decodes raw arguments, applies coercion and defaults, and checks
// them against the schema. On failure it returns one FieldError per problem
// and a nil map.
func (t *Tool) Validate(raw json.RawMessage) (map[string]any, []FieldError) {
	return t.validator.validate(raw)
}

// Invoke calls the handler. Callers are expected to pass arguments produced
// by Validate.
func (t *Tool) Invoke(ctx context.Context, args map[string]any, tc Context) (any, error) {
	return t.def.Handler(ctx, args, tc)
}

// Registry is an immutable, ordered set of tools.
type Registry struct {
	byName map[string]*Tool
	order  []*Tool
}

// NewRegistry compiles defs into a Registry. Names must be unique.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Tool, len(defs))}
	for _, def := range defs {
		if _, dup := r.byName[def.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTool, def.Name)
		}
		t, err := compile(def)
		if err != nil {
			return nil, err
		}
		r.byName[def.Name] = t
		r.order = append(r.order, t)
	}
	return r, nil
}

// Lookup returns the tool named name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// List returns tools in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Descriptors returns tools/list entries for every tool accepted by allow.
// A nil allow accepts everything.
func (r *Registry) Descriptors(allow func(name string) bool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, t := range r.order {
		if allow != nil && !allow(t.Name()) {
			continue
		}
		out = append(out, t.descriptor)
	}
	return out
}
