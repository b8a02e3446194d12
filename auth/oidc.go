package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// OIDC validates bearer tokens issued by an OpenID provider. Signing keys
// come from the jwks_uri found through discovery and are refreshed in the
// background for the lifetime of the context given to NewOIDC.
type OIDC struct {
	issuer    string
	audiences []string
	algs      []string
	leeway    time.Duration
	keyfunc   jwt.Keyfunc
}

var _ Authenticator = (*OIDC)(nil)

// OIDCOption configures an OIDC authenticator.
type OIDCOption func(*OIDC)

// WithOIDCAudiences requires the aud claim to contain one of audiences.
func WithOIDCAudiences(audiences ...string) OIDCOption {
	return func(a *OIDC) { a.audiences = audiences }
}

// WithOIDCAlgorithms restricts the accepted signing algorithms. Default RS256.
func WithOIDCAlgorithms(algs ...string) OIDCOption {
	return func(a *OIDC) {
		if len(algs) > 0 {
			a.algs = algs
		}
	}
}

// WithOIDCLeeway sets the clock skew tolerance. Default 60s.
func WithOIDCLeeway(d time.Duration) OIDCOption {
	return func(a *OIDC) {
		if d >= 0 {
			a.leeway = d
		}
	}
}

// NewOIDC runs discovery against issuer and starts the JWKS refresher.
func NewOIDC(ctx context.Context, issuer string, opts ...OIDCOption) (*OIDC, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	a := &OIDC{
		algs:   []string{jwt.SigningMethodRS256.Alg()},
		leeway: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if len(a.audiences) == 0 {
		return nil, errors.New("at least one audience is required")
	}

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	a.issuer = meta.Issuer
	a.keyfunc = func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(a.algs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}
	return a, nil
}

// Issuer is the issuer URL confirmed by discovery.
func (a *OIDC) Issuer() string { return a.issuer }

// Algorithms lists the accepted signing algorithms.
func (a *OIDC) Algorithms() []string { return slices.Clone(a.algs) }

// CheckAuthentication implements Authenticator.
func (a *OIDC) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods(a.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
	).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.audiences, s) }) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}
