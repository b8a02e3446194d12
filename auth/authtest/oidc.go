package authtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// OIDCProvider is a local OpenID provider that publishes discovery metadata
// and a single RSA signing key.
type OIDCProvider struct {
	// Issuer is the provider's base URL.
	Issuer string

	srv *httptest.Server
	key *rsa.PrivateKey
	kid string
}

// NewOIDCProvider starts a provider that is closed when t ends.
func NewOIDCProvider(t testing.TB) *OIDCProvider {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	p := &OIDCProvider{key: pk, kid: "test-key"}

	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: p.kid, Algorithm: "RS256", Use: "sig"}
	keys, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   p.Issuer,
			"jwks_uri":                 p.Issuer + "/keys",
			"authorization_endpoint":   p.Issuer + "/oauth2/auth",
			"token_endpoint":           p.Issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})
	p.srv = httptest.NewServer(mux)
	p.Issuer = p.srv.URL
	t.Cleanup(p.srv.Close)
	return p
}

// Sign returns an RS256 token for claims, signed with the published key.
func (p *OIDCProvider) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	s, err := tok.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
