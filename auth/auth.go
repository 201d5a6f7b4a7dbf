// Package auth verifies principal credentials and issues session tokens for
// the host's session manager.
//
// A Verifier turns (username, credentials) into a Principal. Several
// implementations are provided:
//
//   - StaticVerifier: a fixed user table with bcrypt password hashes
//   - OIDCVerifier: an OIDC ID token checked via provider discovery
//   - JWKSVerifier: a JWT access token checked against a JWKS endpoint
//   - AcceptAny: accepts any non-empty credentials (tests and local use)
//
// An Issuer mints the opaque-to-clients token bound to a session. The token
// is compared verbatim on every validation; signed formats additionally allow
// third parties to inspect the session claims.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized indicates the supplied credentials were rejected.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidToken indicates a session token failed verification.
var ErrInvalidToken = errors.New("invalid token")

// Principal is an authenticated identity.
type Principal struct {
	// Username is the canonical name of the principal.
	Username string
	// Role is the highest role the credential source vouches for. Empty
	// means the source makes no claim.
	Role string
	// Claims carries any additional attributes reported by the source.
	Claims map[string]any
}

// Verifier checks credentials presented for username. Implementations return
// an error wrapping ErrUnauthorized for rejected credentials.
type Verifier interface {
	Verify(ctx context.Context, username, credentials string) (*Principal, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, username, credentials string) (*Principal, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, username, credentials string) (*Principal, error) {
	return f(ctx, username, credentials)
}

// TokenClaims are the facts bound into an issued session token.
type TokenClaims struct {
	SessionID string
	Username  string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints session tokens.
type Issuer interface {
	Issue(ctx context.Context, claims TokenClaims) (string, error)
}

// AcceptAny returns a Verifier that accepts any non-empty username and
// credentials and makes no role claim.
func AcceptAny() Verifier {
	return VerifierFunc(func(ctx context.Context, username, credentials string) (*Principal, error) {
		if username == "" || credentials == "" {
			return nil, ErrUnauthorized
		}
		return &Principal{Username: username}, nil
	})
}
