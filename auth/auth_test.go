package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestSharedSecret(t *testing.T) {
	s := NewSharedSecret("", "s3cret")
	if s.Header() != DefaultSecretHeader {
		t.Fatalf("want default header, got %s", s.Header())
	}

	r := httptest.NewRequest("POST", "/mcp", nil)
	if err := s.Check(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing header: want ErrUnauthorized, got %v", err)
	}
	r.Header.Set(DefaultSecretHeader, "wrong")
	if err := s.Check(r); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret: want ErrUnauthorized, got %v", err)
	}
	r.Header.Set(DefaultSecretHeader, "s3cret")
	if err := s.Check(r); err != nil {
		t.Fatalf("correct secret: %v", err)
	}

	if err := NewSharedSecret("X-Other", "").Check(httptest.NewRequest("GET", "/", nil)); err != nil {
		t.Fatalf("disabled secret should pass: %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"absent":    {"", "", false},
		"bearer":    {"Bearer abc", "abc", true},
		"lowercase": {"bearer abc", "abc", true},
		"basic":     {"Basic abc", "", false},
		"empty":     {"Bearer ", "", false},
		"no scheme": {"abc", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, ok := BearerToken(r)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("got (%q,%v), want (%q,%v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestHS256RoundTrip(t *testing.T) {
	a, err := NewHS256(testKey, WithIssuer("orchestrator"))
	if err != nil {
		t.Fatalf("NewHS256: %v", err)
	}
	tok, err := SignHS256(testKey, CallerClaims{
		Subject:         "user-1",
		AccountID:       "acct-9",
		ConversationID:  "conv-3",
		AllowedTools:    []string{"get_report"},
		DangerousPolicy: "allow",
		MaxToolCalls:    12,
	}, "orchestrator", time.Minute)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	info, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if info.UserID() != "user-1" {
		t.Fatalf("unexpected subject %q", info.UserID())
	}
	c, err := CallerFromUserInfo(info)
	if err != nil {
		t.Fatalf("CallerFromUserInfo: %v", err)
	}
	if c.AccountID != "acct-9" || c.ConversationID != "conv-3" || c.MaxToolCalls != 12 || c.DangerousPolicy != "allow" {
		t.Fatalf("unexpected caller claims: %+v", c)
	}
	if len(c.AllowedTools) != 1 || c.AllowedTools[0] != "get_report" {
		t.Fatalf("unexpected allowed tools: %v", c.AllowedTools)
	}
}

func TestHS256Rejections(t *testing.T) {
	a, err := NewHS256(testKey, WithIssuer("orchestrator"), WithAudiences("gateway"), WithLeeway(0))
	if err != nil {
		t.Fatalf("NewHS256: %v", err)
	}
	sign := func(claims jwt.MapClaims, key []byte, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return tok
	}
	valid := func() jwt.MapClaims {
		return jwt.MapClaims{"sub": "u", "iss": "orchestrator", "aud": "gateway", "exp": time.Now().Add(time.Minute).Unix()}
	}

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.token",
		"wrong key":    sign(valid(), []byte(strings.Repeat("x", 32)), jwt.SigningMethodHS256),
		"wrong alg":    sign(valid(), testKey, jwt.SigningMethodHS512),
		"expired":      sign(jwt.MapClaims{"sub": "u", "iss": "orchestrator", "aud": "gateway", "exp": time.Now().Add(-time.Minute).Unix()}, testKey, jwt.SigningMethodHS256),
		"no exp":       sign(jwt.MapClaims{"sub": "u", "iss": "orchestrator", "aud": "gateway"}, testKey, jwt.SigningMethodHS256),
		"wrong issuer": sign(jwt.MapClaims{"sub": "u", "iss": "other", "aud": "gateway", "exp": time.Now().Add(time.Minute).Unix()}, testKey, jwt.SigningMethodHS256),
		"wrong aud":    sign(jwt.MapClaims{"sub": "u", "iss": "orchestrator", "aud": "elsewhere", "exp": time.Now().Add(time.Minute).Unix()}, testKey, jwt.SigningMethodHS256),
		"no sub":       sign(jwt.MapClaims{"iss": "orchestrator", "aud": "gateway", "exp": time.Now().Add(time.Minute).Unix()}, testKey, jwt.SigningMethodHS256),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized, got %v", err)
			}
		})
	}

	if _, err := a.CheckAuthentication(context.Background(), sign(valid(), testKey, jwt.SigningMethodHS256)); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestNewHS256ShortKey(t *testing.T) {
	if _, err := NewHS256([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}
