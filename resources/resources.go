// Package resources defines the read-only resource catalog consulted by
// resources/list and resources/read.
package resources

import (
	"context"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-gateway/mcp"
	"github.com/ggoodman/mcp-gateway/tools"
)

// ErrResourceNotFound is returned by ReadResource for unknown URIs.
var ErrResourceNotFound = errors.New("resource not found")

// Provider is the external resource collaborator.
type Provider interface {
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string, tc tools.Context) ([]mcp.ResourceContents, error)
}

// Static serves a fixed set of text resources.
type Static struct {
	resources []mcp.Resource
	contents  map[string]mcp.ResourceContents
}

var _ Provider = (*Static)(nil)

// Entry is one static resource with its body.
type Entry struct {
	Resource mcp.Resource
	Text     string
}

// NewStatic builds a Static provider. URIs must be unique.
func NewStatic(entries ...Entry) (*Static, error) {
	s := &Static{contents: make(map[string]mcp.ResourceContents, len(entries))}
	for _, e := range entries {
		if e.Resource.URI == "" {
			return nil, fmt.Errorf("resource %q has no uri", e.Resource.Name)
		}
		if _, dup := s.contents[e.Resource.URI]; dup {
			return nil, fmt.Errorf("duplicate resource uri %q", e.Resource.URI)
		}
		s.resources = append(s.resources, e.Resource)
		s.contents[e.Resource.URI] = mcp.ResourceContents{
			URI:      e.Resource.URI,
			MimeType: e.Resource.MimeType,
			Text:     e.Text,
		}
	}
	return s, nil
}

// ListResources implements Provider.
func (s *Static) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	out := make([]mcp.Resource, len(s.resources))
	copy(out, s.resources)
	return out, nil
}

// ReadResource implements Provider.
func (s *Static) ReadResource(ctx context.Context, uri string, tc tools.Context) ([]mcp.ResourceContents, error) {
	c, ok := s.contents[uri]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	return []mcp.ResourceContents{c}, nil
}
