package sessions

import (
	"errors"
	"slices"
	"time"
)

var (
	// ErrAuthenticationFailed is returned when credentials are rejected or the
	// requested role exceeds what the credential source vouches for.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSessionNotFound is returned for unknown, expired or ended sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRole is returned for unknown role names.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidPermission is returned for unknown permission names.
	ErrInvalidPermission = errors.New("invalid permission")
)

// Session is an authenticated principal's live credential state. Values
// handed out by the Manager are copies.
type Session struct {
	ID           string       `json:"id"`
	Username     string       `json:"username"`
	Role         Role         `json:"role"`
	Token        string       `json:"token"`
	Permissions  []Permission `json:"permissions"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	Expiration   time.Time    `json:"expiration"`
}

// HasPermission reports whether p is in the session's effective set.
func (s *Session) HasPermission(p Permission) bool {
	return slices.Contains(s.Permissions, p)
}

// Expired reports whether the session's expiration is before now.
func (s *Session) Expired(now time.Time) bool {
	return s.Expiration.Before(now)
}

// Inactive reports whether the session has been idle longer than horizon.
func (s *Session) Inactive(now time.Time, horizon time.Duration) bool {
	return now.Sub(s.LastActivity) > horizon
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Permissions = slices.Clone(s.Permissions)
	return &out
}

// Redacted returns a copy without the token, suitable for logs and events.
func (s *Session) Redacted() *Session {
	out := s.Clone()
	if out != nil {
		out.Token = ""
	}
	return out
}

func (s *Session) grant(p Permission) bool {
	if s.HasPermission(p) {
		return false
	}
	s.Permissions = append(s.Permissions, p)
	slices.Sort(s.Permissions)
	return true
}

func (s *Session) revoke(p Permission) bool {
	i := slices.Index(s.Permissions, p)
	if i < 0 {
		return false
	}
	s.Permissions = slices.Delete(s.Permissions, i, i+1)
	return true
}
