// Package authtest provides authenticators for tests.
package authtest

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-gateway/auth"
)

// NoAuth is a test authenticator that accepts every token and reports a
// fixed principal with the given claims.
type NoAuth struct {
	UserID       string
	ClaimsValues map[string]any
}

var _ auth.Authenticator = (*NoAuth)(nil)

// NewNoAuth creates a NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication always succeeds.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &noAuthUserInfo{userID: n.UserID, claims: n.ClaimsValues}, nil
}

type noAuthUserInfo struct {
	userID string
	claims map[string]any
}

func (u *noAuthUserInfo) UserID() string { return u.userID }

func (u *noAuthUserInfo) Claims(ref any) error {
	claims := map[string]any{"sub": u.userID}
	for k, v := range u.claims {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
