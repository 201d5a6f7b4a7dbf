package config

import (
	"testing"
	"time"

	"github.com/ggoodman/mcp-host-go/consent"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.TokenLifetime != time.Hour || cfg.CallTimeout != 30*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.BatchEnabled || !cfg.RequireAuth || cfg.TokenFormat != "opaque" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if lvl, _ := cfg.ConsentLevel(); lvl != consent.None {
		t.Fatalf("ConsentLevel() = %v", lvl)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCP_HOST_TOKEN_LIFETIME", "15m")
	t.Setenv("MCP_HOST_BATCH_ENABLED", "false")
	t.Setenv("MCP_HOST_DEFAULT_CONSENT", "read_only")
	t.Setenv("MCP_HOST_DANGEROUS_TOOLS", "rm, shutdown,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TokenLifetime != 15*time.Minute || cfg.BatchEnabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if lvl, _ := cfg.ConsentLevel(); lvl != consent.ReadOnly {
		t.Fatalf("ConsentLevel() = %v", lvl)
	}
	if d := cfg.Dangerous(); len(d) != 2 || d[0] != "rm" || d[1] != "shutdown" {
		t.Fatalf("Dangerous() = %q", d)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{DefaultConsent: "NONE", TokenFormat: "opaque", MemoryItems: 10}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for name, mut := range map[string]func(*Config){
		"bad consent":       func(c *Config) { c.DefaultConsent = "SOME" },
		"bad format":        func(c *Config) { c.TokenFormat = "paseto" },
		"short jwt secret":  func(c *Config) { c.TokenFormat = "jwt"; c.JWTSecret = "short" },
		"oidc and jwks":     func(c *Config) { c.OIDCIssuer = "https://a"; c.OIDCClientID = "x"; c.JWKSURL = "https://b" },
		"oidc no client":    func(c *Config) { c.OIDCIssuer = "https://a" },
		"jwks no audience":  func(c *Config) { c.JWKSURL = "https://b"; c.JWKSIssuer = "https://a" },
		"negative timeout":  func(c *Config) { c.CallTimeout = -time.Second },
		"zero memory items": func(c *Config) { c.MemoryItems = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := base()
			mut(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("Validate() = nil")
			}
		})
	}
}
