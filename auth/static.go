package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// StaticUser is an entry of a StaticVerifier.
type StaticUser struct {
	Username     string
	PasswordHash string // bcrypt
	Role         string
}

// StaticVerifier checks passwords against a fixed, replaceable user table.
type StaticVerifier struct {
	mu    sync.RWMutex
	users map[string]StaticUser
}

// NewStaticVerifier builds a verifier over users.
func NewStaticVerifier(users ...StaticUser) *StaticVerifier {
	v := &StaticVerifier{}
	v.Replace(users)
	return v
}

// Replace swaps the user table atomically. Used on policy reload.
func (v *StaticVerifier) Replace(users []StaticUser) {
	m := make(map[string]StaticUser, len(users))
	for _, u := range users {
		m[u.Username] = u
	}
	v.mu.Lock()
	v.users = m
	v.mu.Unlock()
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(ctx context.Context, username, credentials string) (*Principal, error) {
	v.mu.RLock()
	u, ok := v.users[username]
	v.mu.RUnlock()
	if !ok || credentials == "" {
		return nil, fmt.Errorf("%w: unknown user or empty password", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(credentials)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("%w: password mismatch", ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return &Principal{Username: u.Username, Role: u.Role}, nil
}

// HashPassword returns a bcrypt hash suitable for StaticUser.PasswordHash.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ Verifier = (*StaticVerifier)(nil)
