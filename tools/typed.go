package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	invopop "github.com/invopop/jsonschema"
)

// Option configures NewTool.
type Option func(*toolConfig)

type toolConfig struct {
	description               string
	timeout                   time.Duration
	dangerous                 bool
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the description surfaced by tools/list.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *toolConfig) { c.timeout = d }
}

// WithDangerous marks the tool as mutating external state.
func WithDangerous() Option {
	return func(c *toolConfig) { c.dangerous = true }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// accepted. When false (default), the reflected schema sets
// additionalProperties=false and unknown fields fail validation.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// TypedHandler receives arguments decoded into A.
type TypedHandler[A any] func(ctx context.Context, args A, tc Context) (any, error)

// NewTool builds a Definition whose schema is reflected from A. Fields
// without omitempty are required; jsonschema tags such as
// `jsonschema:"default=10,description=Max rows"` add defaults and docs.
// Validated arguments are decoded into A before fn is called.
func NewTool[A any](name string, fn TypedHandler[A], opts ...Option) (Definition, error) {
	cfg := &toolConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	schema, err := ReflectSchema[A](cfg.allowAdditionalProperties)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: tool %q: %v", ErrInvalidDefinition, name, err)
	}

	handler := func(ctx context.Context, args map[string]any, tc Context) (any, error) {
		var a A
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, a, tc)
	}

	return Definition{
		Name:        name,
		Description: cfg.description,
		Schema:      schema,
		Handler:     handler,
		Timeout:     cfg.timeout,
		Dangerous:   cfg.dangerous,
	}, nil
}

// MustNewTool is NewTool that panics on error, for static tool tables.
func MustNewTool[A any](name string, fn TypedHandler[A], opts ...Option) Definition {
	def, err := NewTool(name, fn, opts...)
	if err != nil {
		panic(err)
	}
	return def
}

// ReflectSchema reflects A into an object JSON Schema.
func ReflectSchema[A any](allowAdditional bool) (*jsonschema.Schema, error) {
	r := &invopop.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		Anonymous:                 true, // no $id
		AllowAdditionalProperties: allowAdditional,
	}
	// Reflect from a zero value pointer to capture struct tags consistently
	s := r.Reflect(new(A))
	if s == nil || s.Type != "object" {
		return nil, fmt.Errorf("argument type %T must be a struct", *new(A))
	}
	s.Version = ""

	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var out jsonschema.Schema
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("convert reflected schema: %w", err)
	}
	return &out, nil
}
