package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// OpaqueIssuer mints random 256-bit tokens with no embedded claims.
type OpaqueIssuer struct{}

// Issue implements Issuer.
func (OpaqueIssuer) Issue(ctx context.Context, _ TokenClaims) (string, error) {
	return RandomToken(32)
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// sessionClaims is the JWT/JWS body shared by the signed issuers.
type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
}

func newSessionClaims(issuer string, c TokenClaims) (sessionClaims, error) {
	jti, err := RandomToken(16)
	if err != nil {
		return sessionClaims{}, err
	}
	return sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   c.Username,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		SessionID: c.SessionID,
		Role:      c.Role,
	}, nil
}

func (sc sessionClaims) tokenClaims() TokenClaims {
	out := TokenClaims{SessionID: sc.SessionID, Username: sc.Subject, Role: sc.Role}
	if sc.IssuedAt != nil {
		out.IssuedAt = sc.IssuedAt.Time
	}
	if sc.ExpiresAt != nil {
		out.ExpiresAt = sc.ExpiresAt.Time
	}
	return out
}

// JWTIssuer mints HS256 JWTs carrying the session claims.
type JWTIssuer struct {
	secret []byte
	issuer string
}

// NewJWTIssuer creates an HS256 issuer. The secret must be at least 32 bytes.
func NewJWTIssuer(secret []byte, issuer string) (*JWTIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	return &JWTIssuer{secret: secret, issuer: issuer}, nil
}

// Issue implements Issuer.
func (i *JWTIssuer) Issue(ctx context.Context, c TokenClaims) (string, error) {
	claims, err := newSessionClaims(i.issuer, c)
	if err != nil {
		return "", err
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks a token minted by Issue and returns its claims. Expired
// tokens are rejected.
func (i *JWTIssuer) Verify(token string) (TokenClaims, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.tokenClaims(), nil
}

// JWSIssuer mints Ed25519-signed compact JWS tokens. Keys are held in memory
// and can be rotated: new tokens use the active key while tokens signed by
// any registered key still verify.
type JWSIssuer struct {
	mu        sync.RWMutex
	issuer    string
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
	now       func() time.Time
}

// NewJWSIssuer creates an issuer with no keys.
func NewJWSIssuer(issuer string) *JWSIssuer {
	return &JWSIssuer{
		issuer:   issuer,
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
		now:      time.Now,
	}
}

// NewJWSIssuerWithKey creates an issuer with a freshly generated active key.
func NewJWSIssuerWithKey(issuer string) (*JWSIssuer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	kid, err := RandomToken(8)
	if err != nil {
		return nil, err
	}
	i := NewJWSIssuer(issuer)
	i.AddKey(kid, priv)
	if err := i.SetActive(kid); err != nil {
		return nil, err
	}
	return i, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (i *JWSIssuer) AddKey(kid string, priv ed25519.PrivateKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.privKeys[kid] = priv
	i.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the signing key.
func (i *JWSIssuer) SetActive(kid string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	i.activeKid = kid
	return nil
}

// Issue implements Issuer.
func (i *JWSIssuer) Issue(ctx context.Context, c TokenClaims) (string, error) {
	i.mu.RLock()
	kid := i.activeKid
	priv, ok := i.privKeys[kid]
	i.mu.RUnlock()
	if kid == "" || !ok {
		return "", errors.New("no active signing key configured")
	}

	claims, err := newSessionClaims(i.issuer, c)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks a token minted by Issue and returns its claims.
func (i *JWSIssuer) Verify(token string) (TokenClaims, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(jws.Signatures) != 1 {
		return TokenClaims{}, fmt.Errorf("%w: unexpected signatures: %d", ErrInvalidToken, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID

	i.mu.RLock()
	pub, ok := i.pubKeys[kid]
	i.mu.RUnlock()
	if !ok {
		return TokenClaims{}, fmt.Errorf("%w: unknown kid: %s", ErrInvalidToken, kid)
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return TokenClaims{}, fmt.Errorf("%w: signature verification failed: %v", ErrInvalidToken, err)
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != i.issuer {
		return TokenClaims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && i.now().After(claims.ExpiresAt.Time) {
		return TokenClaims{}, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return claims.tokenClaims(), nil
}

var (
	_ Issuer = OpaqueIssuer{}
	_ Issuer = (*JWTIssuer)(nil)
	_ Issuer = (*JWSIssuer)(nil)
)
