// Package config reads the mcp-host process configuration from the
// environment. Defaults are carried in the struct tags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/joeshaw/envdecode"
)

// Config is the process configuration.
type Config struct {
	// ListenAddr is the HTTP listen address. ENV: MCP_HOST_LISTEN_ADDR
	ListenAddr string `env:"MCP_HOST_LISTEN_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_HOST_LOG_LEVEL
	LogLevel string `env:"MCP_HOST_LOG_LEVEL,default=info"`

	TokenLifetime     time.Duration `env:"MCP_HOST_TOKEN_LIFETIME,default=1h"`
	CleanupInterval   time.Duration `env:"MCP_HOST_CLEANUP_INTERVAL,default=5m"`
	ClientIdleTimeout time.Duration `env:"MCP_HOST_CLIENT_IDLE_TIMEOUT,default=0s"`
	CallTimeout       time.Duration `env:"MCP_HOST_CALL_TIMEOUT,default=30s"`
	// DefaultConsent is the level granted where no grant matches.
	DefaultConsent string `env:"MCP_HOST_DEFAULT_CONSENT,default=NONE"`
	BatchEnabled   bool   `env:"MCP_HOST_BATCH_ENABLED,default=true"`
	RequireAuth    bool   `env:"MCP_HOST_REQUIRE_AUTH,default=true"`
	// DangerousTools is a comma separated list of tool names that need
	// elevated consent on every server.
	DangerousTools string `env:"MCP_HOST_DANGEROUS_TOOLS"`

	// RateLimit is the per-client request rate; zero disables limiting.
	RateLimit float64 `env:"MCP_HOST_RATE_LIMIT,default=0"`
	RateBurst int     `env:"MCP_HOST_RATE_BURST,default=20"`

	// RedisAddr enables Redis storage and the event stream when set.
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"MCP_HOST_REDIS_PREFIX,default=mcp:host:"`
	EventStream    string `env:"MCP_HOST_EVENT_STREAM,default=mcp:host:events"`
	// MemoryItems bounds the in-process store used without Redis.
	MemoryItems int `env:"MCP_HOST_MEMORY_ITEMS,default=10000"`

	// PolicyPath is a YAML policy file, watched for changes.
	PolicyPath string `env:"MCP_HOST_POLICY"`
	// UpstreamPath is a YAML file of upstream MCP servers to register.
	UpstreamPath string `env:"MCP_HOST_UPSTREAMS"`

	// TokenFormat selects the session token issuer: opaque, jwt or jws.
	TokenFormat string `env:"MCP_HOST_TOKEN_FORMAT,default=opaque"`
	JWTSecret   string `env:"MCP_HOST_JWT_SECRET"`
	TokenIssuer string `env:"MCP_HOST_TOKEN_ISSUER,default=mcp-host"`

	// OIDCIssuer switches credential checks to OIDC ID tokens.
	OIDCIssuer   string `env:"MCP_HOST_OIDC_ISSUER"`
	OIDCClientID string `env:"MCP_HOST_OIDC_CLIENT_ID"`
	// JWKSURL switches credential checks to JWT access tokens.
	JWKSURL      string `env:"MCP_HOST_JWKS_URL"`
	JWKSIssuer   string `env:"MCP_HOST_JWKS_ISSUER"`
	JWKSAudience string `env:"MCP_HOST_JWKS_AUDIENCE"`
	RoleClaim    string `env:"MCP_HOST_ROLE_CLAIM,default=role"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks field combinations.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.ConsentLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.TokenFormat {
	case "opaque", "jws":
	case "jwt":
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("MCP_HOST_JWT_SECRET must be at least 32 bytes for jwt tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token format %q", c.TokenFormat))
	}
	if c.OIDCIssuer != "" && c.JWKSURL != "" {
		errs = append(errs, errors.New("MCP_HOST_OIDC_ISSUER and MCP_HOST_JWKS_URL are mutually exclusive"))
	}
	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		errs = append(errs, errors.New("MCP_HOST_OIDC_CLIENT_ID is required with MCP_HOST_OIDC_ISSUER"))
	}
	if c.JWKSURL != "" && (c.JWKSIssuer == "" || c.JWKSAudience == "") {
		errs = append(errs, errors.New("MCP_HOST_JWKS_ISSUER and MCP_HOST_JWKS_AUDIENCE are required with MCP_HOST_JWKS_URL"))
	}
	if c.CallTimeout < 0 || c.ClientIdleTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MemoryItems <= 0 {
		errs = append(errs, errors.New("MCP_HOST_MEMORY_ITEMS must be positive"))
	}
	return errors.Join(errs...)
}

// ConsentLevel parses DefaultConsent.
func (c Config) ConsentLevel() (consent.Level, error) {
	return consent.ParseLevel(c.DefaultConsent)
}

// Dangerous splits DangerousTools.
func (c Config) Dangerous() []string {
	var out []string
	for _, s := range strings.Split(c.DangerousTools, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
