package sessions

import (
	"slices"
	"time"
)

// Default session policy values used when neither the caller nor the store
// configuration supplies one.
const (
	DefaultTTL          = 30 * time.Minute
	DefaultMaxToolCalls = 5
)

// DangerousPolicy controls whether dangerous tools run or stop at the
// approval gate.
type DangerousPolicy string

const (
	// DangerousPolicyBlock stops dangerous tools with an approval_required
	// payload.
	DangerousPolicyBlock DangerousPolicy = "block"
	// DangerousPolicyAllow lets dangerous tools run.
	DangerousPolicyAllow DangerousPolicy = "allow"
)

// Valid reports whether p is empty or a known policy.
func (p DangerousPolicy) Valid() bool {
	switch p {
	case "", DangerousPolicyBlock, DangerousPolicyAllow:
		return true
	}
	return false
}

// Caller identifies who a session acts for. The gateway passes it through
// to tool handlers without interpreting it.
type Caller struct {
	UserID      string            `json:"userId,omitempty"`
	AccountID   string            `json:"accountId,omitempty"`
	AccessToken string            `json:"accessToken,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Quota is a session's tool-call budget.
type Quota struct {
	Used int `json:"used"`
	Max  int `json:"max"`
}

// Session is a snapshot of a stored session. Mutating a snapshot has no
// effect on the store.
type Session struct {
	ID              string          `json:"sessionId"`
	Caller          Caller          `json:"caller"`
	ConversationID  string          `json:"conversationId,omitempty"`
	AllowedTools    []string        `json:"allowedTools,omitempty"`
	DangerousPolicy DangerousPolicy `json:"dangerousPolicy,omitempty"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	Quota           Quota           `json:"quota"`
	CreatedAt       time.Time       `json:"createdAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
	LastAccessedAt  time.Time       `json:"lastAccessedAt"`
}

// IsToolAllowed applies the allow-list. An empty list allows every tool.
func (s *Session) IsToolAllowed(name string) bool {
	if len(s.AllowedTools) == 0 {
		return true
	}
	return slices.Contains(s.AllowedTools, name)
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	Caller          Caller          `json:"caller"`
	ConversationID  string          `json:"conversationId,omitempty"`
	AllowedTools    []string        `json:"allowedTools,omitempty"`
	DangerousPolicy DangerousPolicy `json:"dangerousPolicy,omitempty"`
	ProtocolVersion string          `json:"protocolVersion,omitempty"`
	// MaxToolCalls overrides the store default when positive.
	MaxToolCalls int `json:"maxToolCalls,omitempty"`
}

// QuotaResult reports the outcome of IncrementToolCalls.
type QuotaResult struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Max     int  `json:"max"`
}

// Stats summarizes a store for observability. Expired counts records past
// their expiry that the sweep has not removed yet.
type Stats struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Total   int `json:"total"`
}
