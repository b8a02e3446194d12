package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HS256 validates bearer tokens signed with a shared symmetric key.
type HS256 struct {
	key       []byte
	issuer    string
	audiences []string
	leeway    time.Duration
}

var _ Authenticator = (*HS256)(nil)

// HS256Option configures an HS256 authenticator.
type HS256Option func(*HS256)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) HS256Option {
	return func(a *HS256) { a.issuer = issuer }
}

// WithAudiences requires the aud claim to contain one of audiences.
func WithAudiences(audiences ...string) HS256Option {
	return func(a *HS256) { a.audiences = audiences }
}

// WithLeeway sets the clock skew tolerance. Default 60s.
func WithLeeway(d time.Duration) HS256Option {
	return func(a *HS256) {
		if d >= 0 {
			a.leeway = d
		}
	}
}

// NewHS256 constructs an authenticator for tokens signed with key.
func NewHS256(key []byte, opts ...HS256Option) (*HS256, error) {
	if len(key) < 32 {
		return nil, errors.New("hs256 key must be at least 32 bytes")
	}
	a := &HS256{key: key, leeway: 60 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CheckAuthentication implements Authenticator.
func (a *HS256) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, func(t *jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(a.audiences) > 0 {
		aud, err := claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.audiences, s) }) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

// userInfo is the UserInfo produced by token authenticators.
type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }

func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// CallerClaims are the token claims that describe a gateway caller.
type CallerClaims struct {
	Subject         string            `json:"sub"`
	AccountID       string            `json:"account_id,omitempty"`
	AccessToken     string            `json:"access_token,omitempty"`
	ConversationID  string            `json:"conversation_id,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	DangerousPolicy string            `json:"dangerous_policy,omitempty"`
	MaxToolCalls    int               `json:"max_tool_calls,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// CallerFromUserInfo decodes CallerClaims from an authenticated principal.
func CallerFromUserInfo(info UserInfo) (CallerClaims, error) {
	var c CallerClaims
	if err := info.Claims(&c); err != nil {
		return CallerClaims{}, fmt.Errorf("decode caller claims: %w", err)
	}
	if c.Subject == "" {
		c.Subject = info.UserID()
	}
	return c, nil
}

// SignHS256 mints a token for claims, for orchestrators and tests. The
// token expires after ttl.
func SignHS256(key []byte, claims CallerClaims, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	b, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	mc := jwt.MapClaims{}
	if err := json.Unmarshal(b, &mc); err != nil {
		return "", err
	}
	mc["iat"] = now.Unix()
	mc["exp"] = now.Add(ttl).Unix()
	if issuer != "" {
		mc["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(key)
}
