package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
)

// DefaultSecretHeader carries the shared secret when no header is configured.
const DefaultSecretHeader = "X-Gateway-Secret"

// SharedSecret authenticates requests carrying a static secret header.
type SharedSecret struct {
	header string
	secret []byte
}

// NewSharedSecret creates a SharedSecret. An empty header selects
// DefaultSecretHeader. An empty secret disables the check.
func NewSharedSecret(header, secret string) *SharedSecret {
	if header == "" {
		header = DefaultSecretHeader
	}
	return &SharedSecret{header: header, secret: []byte(secret)}
}

// Header returns the header name the secret is read from.
func (s *SharedSecret) Header() string { return s.header }

// Enabled reports whether a secret is configured.
func (s *SharedSecret) Enabled() bool { return len(s.secret) > 0 }

// Check verifies the request's secret header in constant time.
func (s *SharedSecret) Check(r *http.Request) error {
	if !s.Enabled() {
		return nil
	}
	got := r.Header.Get(s.header)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", ErrUnauthorized, s.header)
	}
	if subtle.ConstantTimeCompare([]byte(got), s.secret) != 1 {
		return fmt.Errorf("%w: secret mismatch", ErrUnauthorized)
	}
	return nil
}
