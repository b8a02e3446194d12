package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// FieldError describes one argument problem. Field is empty for problems
// with the argument object as a whole.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Summarize joins field errors into one human-readable message.
func Summarize(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

type property struct {
	name     string
	types    []string
	resolved *jsonschema.Resolved
}

type validator struct {
	root       *jsonschema.Resolved
	properties map[string]*property
	names      []string
	required   []string
	strict     bool
}

// cloneSchema deep-copies s through its JSON form so each copy can be
// resolved independently.
func cloneSchema(s *jsonschema.Schema) (*jsonschema.Schema, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out jsonschema.Schema
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func newValidator(schema *jsonschema.Schema) (*validator, error) {
	rootCopy, err := cloneSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("copy schema: %w", err)
	}
	root, err := rootCopy.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}

	v := &validator{
		root:       root,
		properties: make(map[string]*property, len(schema.Properties)),
		required:   slices.Clone(schema.Required),
		strict:     disallowsAdditional(schema),
	}
	for name, ps := range schema.Properties {
		if ps == nil {
			continue
		}
		cp, err := cloneSchema(ps)
		if err != nil {
			return nil, fmt.Errorf("copy property %q: %w", name, err)
		}
		res, err := cp.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve property %q: %w", name, err)
		}
		types := ps.Types
		if ps.Type != "" {
			types = []string{ps.Type}
		}
		v.properties[name] = &property{name: name, types: types, resolved: res}
		v.names = append(v.names, name)
	}
	sort.Strings(v.names)
	return v, nil
}

// disallowsAdditional reports whether the schema sets
// "additionalProperties": false.
func disallowsAdditional(s *jsonschema.Schema) bool {
	b, err := json.Marshal(s)
	if err != nil {
		return false
	}
	var peek struct {
		AdditionalProperties json.RawMessage `json:"additionalProperties"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(peek.AdditionalProperties), []byte("false"))
}

func (v *validator) validate(raw json.RawMessage) (map[string]any, []FieldError) {
	args := map[string]any{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err != nil {
			return nil, []FieldError{{Message: "arguments are not valid JSON: " + err.Error()}}
		}
		obj, ok := decoded.(map[string]any)
		if !ok {
			return nil, []FieldError{{Message: "arguments must be a JSON object"}}
		}
		args = obj
	}

	v.coerce(args)

	if err := v.root.ApplyDefaults(&args); err != nil {
		return nil, []FieldError{{Message: "applying defaults: " + err.Error()}}
	}

	var errs []FieldError
	for _, name := range v.required {
		if _, ok := args[name]; !ok {
			errs = append(errs, FieldError{Field: name, Message: "is required"})
		}
	}
	for _, name := range v.names {
		val, ok := args[name]
		if !ok {
			continue
		}
		if err := v.properties[name].resolved.Validate(val); err != nil {
			errs = append(errs, FieldError{Field: name, Message: err.Error()})
		}
	}
	if v.strict {
		var unknown []string
		for k := range args {
			if _, ok := v.properties[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		sort.Strings(unknown)
		for _, k := range unknown {
			errs = append(errs, FieldError{Field: k, Message: "unknown field"})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	// Whole-object keywords (dependencies, combinators) are only visible to
	// the root schema.
	if err := v.root.Validate(args); err != nil {
		return nil, []FieldError{{Message: err.Error()}}
	}
	return args, nil
}

// coerce normalizes string-encoded scalars for integer, number and boolean
// properties. Values that do not parse are left alone for validation to
// report.
func (v *validator) coerce(args map[string]any) {
	for name, val := range args {
		p, ok := v.properties[name]
		if !ok {
			continue
		}
		s, isString := val.(string)
		if !isString || slices.Contains(p.types, "string") {
			continue
		}
		s = strings.TrimSpace(s)
		switch {
		case slices.Contains(p.types, "integer"):
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				args[name] = float64(n)
			}
		case slices.Contains(p.types, "number"):
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				args[name] = f
			}
		case slices.Contains(p.types, "boolean"):
			if b, err := strconv.ParseBool(s); err == nil {
				args[name] = b
			}
		}
	}
}
