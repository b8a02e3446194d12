// Package catalog loads tools and static resources from a YAML file. Each
// tool forwards its validated arguments to an upstream HTTP endpoint.
//
//	tools:
//	  - name: get_campaign_report
//	    description: Fetch spend and conversions for a campaign.
//	    url: https://adapters.internal/reports
//	    timeout: 10s
//	    schema:
//	      type: object
//	      properties:
//	        campaign_id: {type: string}
//	      required: [campaign_id]
//	  - name: pause_campaign
//	    url: https://adapters.internal/pause
//	    dangerous: true
//	resources:
//	  - uri: docs://playbook
//	    name: playbook
//	    mimeType: text/markdown
//	    text: "..."
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/resources"
	"github.com/ggoodman/mcp-gateway/tools"
	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// maxResponseBytes caps the size of an upstream reply.
const maxResponseBytes = 4 << 20

// ErrResponseTooLarge is returned when an upstream reply exceeds 4 MiB.
var ErrResponseTooLarge = errors.New("upstream response too large")

// File is the on-disk catalog layout.
type File struct {
	Tools     []ToolSpec     `yaml:"tools"`
	Resources []ResourceSpec `yaml:"resources"`
}

// ToolSpec declares one upstream tool.
type ToolSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Dangerous   bool              `yaml:"dangerous"`
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers"`
	Schema      map[string]any    `yaml:"schema"`
}

// ResourceSpec declares one static text resource.
type ResourceSpec struct {
	URI         string `yaml:"uri"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mimeType"`
	Text        string `yaml:"text"`
}

// Catalog is a loaded file ready to be registered.
type Catalog struct {
	Tools     []tools.Definition
	Resources *resources.Static
}

// Option configures loading.
type Option func(*loader)

type loader struct {
	client *http.Client
}

// WithHTTPClient sets the client used to reach upstream tools.
func WithHTTPClient(c *http.Client) Option {
	return func(l *loader) {
		if c != nil {
			l.client = c
		}
	}
}

// Load reads and parses the catalog at path.
func Load(path string, opts ...Option) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tool catalog: %w", err)
	}
	defer f.Close()
	return Decode(f, opts...)
}

// Decode parses a catalog from r.
func Decode(r io.Reader, opts ...Option) (*Catalog, error) {
	l := &loader{client: http.DefaultClient}
	for _, opt := range opts {
		opt(l)
	}

	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode tool catalog: %w", err)
	}

	c := &Catalog{}
	for i, spec := range file.Tools {
		def, err := l.definition(spec)
		if err != nil {
			return nil, fmt.Errorf("tool catalog entry %d: %w", i, err)
		}
		c.Tools = append(c.Tools, def)
	}

	entries := make([]resources.Entry, 0, len(file.Resources))
	for _, rs := range file.Resources {
		entries = append(entries, resources.Entry{
			Resource: mcp.Resource{URI: rs.URI, Name: rs.Name, Description: rs.Description, MimeType: rs.MimeType},
			Text:     rs.Text,
		})
	}
	static, err := resources.NewStatic(entries...)
	if err != nil {
		return nil, fmt.Errorf("tool catalog resources: %w", err)
	}
	c.Resources = static
	return c, nil
}

func (l *loader) definition(spec ToolSpec) (tools.Definition, error) {
	if spec.Name == "" {
		return tools.Definition{}, fmt.Errorf("name is required")
	}
	if spec.URL == "" {
		return tools.Definition{}, fmt.Errorf("tool %q: url is required", spec.Name)
	}
	var schema *jsonschema.Schema
	if spec.Schema != nil {
		b, err := json.Marshal(spec.Schema)
		if err != nil {
			return tools.Definition{}, fmt.Errorf("tool %q: encode schema: %w", spec.Name, err)
		}
		schema = &jsonschema.Schema{}
		if err := json.Unmarshal(b, schema); err != nil {
			return tools.Definition{}, fmt.Errorf("tool %q: parse schema: %w", spec.Name, err)
		}
	}
	up := &upstream{client: l.client, url: spec.URL, headers: spec.Headers}
	return tools.Definition{
		Name:        spec.Name,
		Description: spec.Description,
		Schema:      schema,
		Handler:     up.call,
		Timeout:     spec.Timeout,
		Dangerous:   spec.Dangerous,
	}, nil
}

// upstream forwards calls to an HTTP endpoint.
type upstream struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// upstreamContext is the subset of tools.Context sent upstream. The access
// token travels in the Authorization header instead.
type upstreamContext struct {
	SessionID      string            `json:"sessionId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	AccountID      string            `json:"accountId,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type upstreamRequest struct {
	Arguments map[string]any  `json:"arguments"`
	Context   upstreamContext `json:"context"`
}

// StatusError is returned when an upstream replies with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

func (u *upstream) call(ctx context.Context, args map[string]any, tc tools.Context) (any, error) {
	body, err := json.Marshal(upstreamRequest{
		Arguments: args,
		Context: upstreamContext{
			SessionID:      tc.SessionID,
			ConversationID: tc.ConversationID,
			UserID:         tc.UserID,
			AccountID:      tc.AccountID,
			Attributes:     tc.Attributes,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode upstream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range u.headers {
		req.Header.Set(k, os.ExpandEnv(v))
	}
	if tc.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tc.AccessToken)
	}

	res, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if len(data) > maxResponseBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrResponseTooLarge, maxResponseBytes)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		// Non-JSON bodies are passed through as text.
		return string(data), nil
	}
	return out, nil
}
