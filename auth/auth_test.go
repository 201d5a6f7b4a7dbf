package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-host-go/auth"
	"github.com/ggoodman/mcp-host-go/auth/authtest"
	"github.com/golang-jwt/jwt/v5"
)

func TestAcceptAny(t *testing.T) {
	v := auth.AcceptAny()
	p, err := v.Verify(context.Background(), "alice", "pw")
	if err != nil || p.Username != "alice" || p.Role != "" {
		t.Fatalf("Verify() = %+v, %v", p, err)
	}
	if _, err := v.Verify(context.Background(), "alice", ""); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("empty credentials: err = %v, want ErrUnauthorized", err)
	}
}

func TestStaticVerifier(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	v := auth.NewStaticVerifier(auth.StaticUser{Username: "alice", PasswordHash: hash, Role: "POWER_USER"})
	ctx := context.Background()

	p, err := v.Verify(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if p.Role != "POWER_USER" {
		t.Fatalf("Role = %q, want POWER_USER", p.Role)
	}

	if _, err := v.Verify(ctx, "alice", "wrong"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("wrong password: err = %v", err)
	}
	if _, err := v.Verify(ctx, "bob", "s3cret"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("unknown user: err = %v", err)
	}

	v.Replace(nil)
	if _, err := v.Verify(ctx, "alice", "s3cret"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("after Replace: err = %v", err)
	}
}

func TestOIDCVerifier(t *testing.T) {
	p := authtest.NewProvider(t)
	ctx := context.Background()

	v, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{Issuer: p.Issuer, ClientID: "mcp-host"})
	if err != nil {
		t.Fatalf("NewOIDCVerifier: %v", err)
	}

	now := time.Now()
	tok := p.Sign(t, jwt.MapClaims{
		"iss":                p.Issuer,
		"sub":                "user-123",
		"aud":                "mcp-host",
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"preferred_username": "alice",
		"role":               "ADMIN",
	})

	got, err := v.Verify(ctx, "alice", tok)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if got.Username != "alice" || got.Role != "ADMIN" {
		t.Fatalf("principal = %+v", got)
	}

	if _, err := v.Verify(ctx, "mallory", tok); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("username mismatch: err = %v", err)
	}

	other := p.Sign(t, jwt.MapClaims{
		"iss": p.Issuer,
		"sub": "user-123",
		"aud": "someone-else",
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	})
	if _, err := v.Verify(ctx, "", other); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("audience mismatch: err = %v", err)
	}
}

func TestJWKSVerifier(t *testing.T) {
	p := authtest.NewProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := auth.NewJWKSVerifier(ctx, auth.JWKSConfig{
		Issuer:            p.Issuer,
		ExpectedAudiences: []string{"https://host.example.com"},
		JWKSURL:           p.JWKSURL,
	})
	if err != nil {
		t.Fatalf("NewJWKSVerifier: %v", err)
	}

	now := time.Now()
	tok := p.Sign(t, jwt.MapClaims{
		"iss":  p.Issuer,
		"sub":  "svc-1",
		"aud":  []string{"https://other", "https://host.example.com"},
		"exp":  now.Add(time.Hour).Unix(),
		"role": "USER",
	})

	got, err := v.Verify(ctx, "", tok)
	if err != nil {
		t.Fatalf("Verify() failed: %v", err)
	}
	if got.Username != "svc-1" || got.Role != "USER" {
		t.Fatalf("principal = %+v", got)
	}

	expired := p.Sign(t, jwt.MapClaims{
		"iss": p.Issuer,
		"sub": "svc-1",
		"aud": "https://host.example.com",
		"exp": now.Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(ctx, "", expired); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expired token: err = %v", err)
	}
}

func TestOpaqueIssuer(t *testing.T) {
	a, err := auth.OpaqueIssuer{}.Issue(context.Background(), auth.TokenClaims{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	b, _ := auth.OpaqueIssuer{}.Issue(context.Background(), auth.TokenClaims{})
	if a == b || len(a) < 40 {
		t.Fatalf("tokens should be distinct and high-entropy: %q %q", a, b)
	}
}

func TestJWTIssuerRoundTrip(t *testing.T) {
	if _, err := auth.NewJWTIssuer([]byte("short"), "host"); err == nil {
		t.Fatal("short secret should be rejected")
	}
	iss, err := auth.NewJWTIssuer([]byte(strings.Repeat("k", 32)), "mcp-host")
	if err != nil {
		t.Fatalf("NewJWTIssuer: %v", err)
	}

	now := time.Now()
	tok, err := iss.Issue(context.Background(), auth.TokenClaims{
		SessionID: "sess-1", Username: "alice", Role: "USER",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := iss.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.SessionID != "sess-1" || claims.Username != "alice" || claims.Role != "USER" {
		t.Fatalf("claims = %+v", claims)
	}

	other, _ := auth.NewJWTIssuer([]byte(strings.Repeat("x", 32)), "mcp-host")
	if _, err := other.Verify(tok); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("foreign secret: err = %v", err)
	}
}

func TestJWSIssuerRotation(t *testing.T) {
	iss := auth.NewJWSIssuer("mcp-host")
	if _, err := iss.Issue(context.Background(), auth.TokenClaims{}); err == nil {
		t.Fatal("Issue without key should fail")
	}

	_, k1, _ := ed25519.GenerateKey(rand.Reader)
	_, k2, _ := ed25519.GenerateKey(rand.Reader)
	iss.AddKey("k1", k1)
	if err := iss.SetActive("k1"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	now := time.Now()
	claims := auth.TokenClaims{SessionID: "s", Username: "bob", IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	old, err := iss.Issue(context.Background(), claims)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	iss.AddKey("k2", k2)
	if err := iss.SetActive("k2"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := iss.Verify(old); err != nil {
		t.Fatalf("token signed by rotated-out key should still verify: %v", err)
	}
	if err := iss.SetActive("missing"); err == nil {
		t.Fatal("SetActive(unknown) should fail")
	}

	expired, _ := iss.Issue(context.Background(), auth.TokenClaims{SessionID: "s", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)})
	if _, err := iss.Verify(expired); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expired jws: err = %v", err)
	}
}

func TestNewJWSIssuerWithKey(t *testing.T) {
	iss, err := auth.NewJWSIssuerWithKey("mcp-host")
	if err != nil {
		t.Fatalf("NewJWSIssuerWithKey: %v", err)
	}
	now := time.Now()
	tok, err := iss.Issue(context.Background(), auth.TokenClaims{SessionID: "x", Username: "u", IssuedAt: now, ExpiresAt: now.Add(time.Minute)})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if c, err := iss.Verify(tok); err != nil || c.SessionID != "x" {
		t.Fatalf("Verify = %+v, %v", c, err)
	}
}
