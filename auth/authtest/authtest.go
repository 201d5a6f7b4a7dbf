// Package authtest provides an in-process OIDC provider for exercising the
// auth verifiers without network access.
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

// Provider is a minimal OIDC issuer serving discovery metadata and a JWKS
// document for a single RSA signing key.
type Provider struct {
	Issuer  string
	JWKSURL string

	srv *httptest.Server
	key *rsa.PrivateKey
	kid string
}

// NewProvider starts a provider that is closed when the test ends.
func NewProvider(t *testing.T) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	p := &Provider{key: key, kid: "test-key"}

	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: p.kid, Algorithm: "RS256", Use: "sig"}}}
	jwks, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                p.Issuer,
			"jwks_uri":                              p.JWKSURL,
			"authorization_endpoint":                p.Issuer + "/oauth2/auth",
			"token_endpoint":                        p.Issuer + "/oauth2/token",
			"response_types_supported":              []string{"code"},
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwks)
	})

	p.srv = httptest.NewServer(mux)
	p.Issuer = p.srv.URL
	p.JWKSURL = p.srv.URL + "/keys"
	t.Cleanup(p.srv.Close)
	return p
}

// Sign returns an RS256 token over claims signed with the provider key.
func (p *Provider) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = p.kid
	s, err := tok.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}
