package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCConfig configures an OIDCVerifier.
type OIDCConfig struct {
	// Issuer is the OIDC issuer URL used for discovery.
	Issuer string
	// ClientID is the expected audience of presented ID tokens.
	ClientID string
	// RoleClaim names the claim carrying the principal's role. Defaults to
	// "role".
	RoleClaim string
}

// OIDCVerifier treats credentials as an OIDC ID token. The username, when
// given, must match the token's subject, email or preferred_username.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
}

// NewOIDCVerifier performs discovery against cfg.Issuer.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "role"
	}
	return &OIDCVerifier{
		verifier:  provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		roleClaim: roleClaim,
	}, nil
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, username, credentials string) (*Principal, error) {
	if credentials == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	idt, err := v.verifier.Verify(ctx, credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: id token verification failed: %v", ErrUnauthorized, err)
	}
	claims := map[string]any{}
	if err := idt.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: invalid claims: %v", ErrUnauthorized, err)
	}
	return principalFromClaims(idt.Subject, username, claims, v.roleClaim)
}

// principalFromClaims resolves the canonical username for a verified token and
// checks it against the requested one.
func principalFromClaims(sub, username string, claims map[string]any, roleClaim string) (*Principal, error) {
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	canonical := sub
	if username != "" {
		matched := username == sub
		for _, k := range []string{"preferred_username", "email"} {
			if s, _ := claims[k].(string); s != "" && s == username {
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: token subject does not match username", ErrUnauthorized)
		}
		canonical = username
	}
	role, _ := claims[roleClaim].(string)
	return &Principal{Username: canonical, Role: role, Claims: claims}, nil
}

var _ Verifier = (*OIDCVerifier)(nil)
