// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/mcp-gateway/internal/redisconn"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/joeshaw/envdecode"
)

// Transport names.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Backend names for sessions, approvals and rate limiting.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete gateway configuration.
type Config struct {
	Transport string `env:"GATEWAY_TRANSPORT,default=http"`
	Addr      string `env:"GATEWAY_ADDR,default=:8080"`
	MCPPath   string `env:"GATEWAY_MCP_PATH,default=/mcp"`
	// PublicURL, when set, is the audience bearer tokens must carry.
	PublicURL    string `env:"GATEWAY_PUBLIC_URL"`
	SharedSecret string `env:"GATEWAY_SHARED_SECRET"`
	SecretHeader string `env:"GATEWAY_SECRET_HEADER,default=X-Gateway-Secret"`
	// AdminSecret guards the session and approval admin routes. They fall
	// back to SharedSecret when it is unset.
	AdminSecret       string `env:"GATEWAY_ADMIN_SECRET"`
	AdminSecretHeader string `env:"GATEWAY_ADMIN_SECRET_HEADER,default=X-Gateway-Admin-Secret"`
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string `env:"GATEWAY_JWT_SECRET"`
	JWTIssuer string `env:"GATEWAY_JWT_ISSUER"`
	// OIDCIssuer enables RS256 bearer tokens verified against the issuer's
	// published JWKS. It requires PublicURL and excludes JWTSecret.
	OIDCIssuer string `env:"GATEWAY_OIDC_ISSUER"`

	SessionBackend       string        `env:"SESSION_BACKEND,default=memory"`
	SessionTTL           time.Duration `env:"SESSION_TTL,default=30m"`
	SessionMaxToolCalls  int           `env:"SESSION_MAX_TOOL_CALLS,default=5"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=0s"`

	ToolTimeout     time.Duration `env:"TOOL_TIMEOUT,default=30s"`
	DangerousPolicy string        `env:"DANGEROUS_POLICY,default=block"`
	// ApprovalsEnabled turns on one-time approval tokens at the dangerous gate.
	ApprovalsEnabled bool          `env:"APPROVALS_ENABLED,default=false"`
	ApprovalTTL      time.Duration `env:"APPROVAL_TTL,default=15m"`

	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	RateLimitMax    int           `env:"RATE_LIMIT_MAX,default=100"`

	Redis redisconn.Config

	SSEHeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL,default=15s"`
	ToolCatalog          string        `env:"TOOL_CATALOG"`
	// ExampleTools registers the demonstration tools from examples/echo.
	ExampleTools bool `env:"GATEWAY_EXAMPLE_TOOLS,default=false"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes Config from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects unknown enum values and non-positive limits.
func (c *Config) Validate() error {
	var errs []string
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		errs = append(errs, fmt.Sprintf("GATEWAY_TRANSPORT must be %q or %q", TransportHTTP, TransportStdio))
	}
	switch c.SessionBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Sprintf("SESSION_BACKEND must be %q or %q", BackendMemory, BackendRedis))
	}
	if p := sessions.DangerousPolicy(c.DangerousPolicy); p == "" || !p.Valid() {
		errs = append(errs, fmt.Sprintf("DANGEROUS_POLICY must be %q or %q", sessions.DangerousPolicyBlock, sessions.DangerousPolicyAllow))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "SESSION_TTL must be positive")
	}
	if c.SessionMaxToolCalls <= 0 {
		errs = append(errs, "SESSION_MAX_TOOL_CALLS must be positive")
	}
	if c.SessionSweepInterval < 0 {
		errs = append(errs, "SESSION_SWEEP_INTERVAL must not be negative")
	}
	if c.ToolTimeout <= 0 {
		errs = append(errs, "TOOL_TIMEOUT must be positive")
	}
	if c.ApprovalTTL <= 0 {
		errs = append(errs, "APPROVAL_TTL must be positive")
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, "RATE_LIMIT_WINDOW must be positive")
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, "RATE_LIMIT_MAX must be positive")
	}
	if c.SSEHeartbeatInterval <= 0 {
		errs = append(errs, "SSE_HEARTBEAT_INTERVAL must be positive")
	}
	if !strings.HasPrefix(c.MCPPath, "/") {
		errs = append(errs, "GATEWAY_MCP_PATH must start with /")
	}
	if c.PublicURL != "" {
		if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "GATEWAY_PUBLIC_URL must be an absolute URL")
		}
	}
	if c.OIDCIssuer != "" {
		if c.JWTSecret != "" {
			errs = append(errs, "GATEWAY_OIDC_ISSUER and GATEWAY_JWT_SECRET are mutually exclusive")
		}
		if c.PublicURL == "" {
			errs = append(errs, "GATEWAY_OIDC_ISSUER requires GATEWAY_PUBLIC_URL")
		}
		if u, err := url.Parse(c.OIDCIssuer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, "GATEWAY_OIDC_ISSUER must be an absolute URL")
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, "GATEWAY_JWT_SECRET must be at least 32 bytes")
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, `LOG_FORMAT must be "json" or "text"`)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.SessionBackend == BackendRedis
}

// Caller is the caller context a stdio gateway acts for, supplied by the
// parent process through the environment.
type Caller struct {
	UserID          string   `env:"MCP_CALLER_USER_ID"`
	AccountID       string   `env:"MCP_CALLER_ACCOUNT_ID"`
	AccessToken     string   `env:"MCP_CALLER_ACCESS_TOKEN"`
	ConversationID  string   `env:"MCP_CONVERSATION_ID"`
	AllowedTools    []string `env:"MCP_ALLOWED_TOOLS"`
	DangerousPolicy string   `env:"MCP_DANGEROUS_POLICY"`
	MaxToolCalls    int      `env:"MCP_MAX_TOOL_CALLS"`
}

// LoadCaller decodes Caller from the environment.
func LoadCaller() (Caller, error) {
	var c Caller
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Caller{}, fmt.Errorf("decode caller env: %w", err)
	}
	return c, nil
}

// SessionParams converts the caller into session creation parameters.
func (c Caller) SessionParams() sessions.CreateParams {
	var allowed []string
	for _, t := range c.AllowedTools {
		if t = strings.TrimSpace(t); t != "" {
			allowed = append(allowed, t)
		}
	}
	return sessions.CreateParams{
		Caller: sessions.Caller{
			UserID:      c.UserID,
			AccountID:   c.AccountID,
			AccessToken: c.AccessToken,
		},
		ConversationID:  c.ConversationID,
		AllowedTools:    allowed,
		DangerousPolicy: sessions.DangerousPolicy(c.DangerousPolicy),
		MaxToolCalls:    c.MaxToolCalls,
	}
}
