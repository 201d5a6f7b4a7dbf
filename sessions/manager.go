package sessions

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/auth"
	"github.com/ggoodman/mcp-host-go/events"
	"github.com/google/uuid"
)

const (
	DefaultTokenLifetime   = time.Hour
	DefaultCleanupInterval = 5 * time.Minute
)

// Expiry reasons attached to session_expired events.
const (
	ReasonExpired  = "expired"
	ReasonInactive = "inactive"
)

// Manager authenticates principals and tracks session lifetime.
//
// Sessions move from Active to either Expired or LoggedOut; both are terminal
// and remove the session from the store. Every successful validation slides
// the expiration forward by the token lifetime.
type Manager struct {
	mu          sync.Mutex
	store       Store
	verifier    auth.Verifier
	issuer      auth.Issuer
	lifetime    time.Duration
	interval    time.Duration
	lastCleanup time.Time
	now         func() time.Time
	pub         events.Publisher
	log         *slog.Logger
	onEnd       []func(sessionID string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore selects the session store. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(m *Manager) {
		if s != nil {
			m.store = s
		}
	}
}

// WithVerifier sets the credential verifier. Defaults to auth.AcceptAny.
func WithVerifier(v auth.Verifier) Option {
	return func(m *Manager) {
		if v != nil {
			m.verifier = v
		}
	}
}

// WithIssuer sets the token issuer. Defaults to auth.OpaqueIssuer.
func WithIssuer(i auth.Issuer) Option {
	return func(m *Manager) {
		if i != nil {
			m.issuer = i
		}
	}
}

// WithTokenLifetime sets how long a session stays valid without activity.
func WithTokenLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithCleanupInterval sets the minimum time between expiry sweeps.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPublisher sets the lifecycle event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		m.pub = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEndHook registers fn to run after a session ends or expires. Hooks run
// outside the manager lock.
func WithEndHook(fn func(sessionID string)) Option {
	return func(m *Manager) {
		if fn != nil {
			m.onEnd = append(m.onEnd, fn)
		}
	}
}

// NewManager creates a session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		store:    NewMemoryStore(),
		verifier: auth.AcceptAny(),
		issuer:   auth.OpaqueIssuer{},
		lifetime: DefaultTokenLifetime,
		interval: DefaultCleanupInterval,
		now:      time.Now,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TokenLifetime returns the configured lifetime.
func (m *Manager) TokenLifetime() time.Duration { return m.lifetime }

// CleanupInterval returns the configured sweep interval.
func (m *Manager) CleanupInterval() time.Duration { return m.interval }

// Authenticate verifies credentials and opens a session. An empty role
// selects the role vouched for by the verifier, or USER. A requested role may
// not exceed the vouched role.
func (m *Manager) Authenticate(ctx context.Context, username, credentials string, role Role) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrAuthenticationFailed)
	}
	if role != "" && !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	p, err := m.verifier.Verify(ctx, username, credentials)
	if err != nil {
		m.log.WarnContext(ctx, "sessions.authenticate.rejected", slog.String("username", username), slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	vouched := Role(p.Role)
	switch {
	case role == "" && vouched.Valid():
		role = vouched
	case role == "":
		role = RoleUser
	case vouched.Valid() && role.Rank() > vouched.Rank():
		return nil, fmt.Errorf("%w: role %s exceeds %s", ErrAuthenticationFailed, role, vouched)
	}

	now := m.now()
	sess := &Session{
		ID:           uuid.NewString(),
		Username:     p.Username,
		Role:         role,
		Permissions:  RolePermissions(role),
		CreatedAt:    now,
		LastActivity: now,
		Expiration:   now.Add(m.lifetime),
	}
	if sess.Username == "" {
		sess.Username = username
	}

	tok, err := m.issuer.Issue(ctx, auth.TokenClaims{
		SessionID: sess.ID,
		Username:  sess.Username,
		Role:      string(role),
		IssuedAt:  now,
		ExpiresAt: sess.Expiration,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}
	sess.Token = tok

	m.mu.Lock()
	err = m.store.Put(ctx, sess)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "sessions.created", slog.String("session_id", sess.ID), slog.String("username", sess.Username), slog.String("role", string(role)))
	m.publish(events.SessionCreated, map[string]any{
		"session_id": sess.ID,
		"username":   sess.Username,
		"role":       string(role),
	})
	return sess.Clone(), nil
}

// ValidateSession reports whether id names a live session and, when token is
// non-empty, whether it matches. Expired sessions are evicted. On success the
// expiration slides forward and last activity is updated.
func (m *Manager) ValidateSession(ctx context.Context, id, token string) bool {
	m.mu.Lock()
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		m.log.ErrorContext(ctx, "sessions.validate.store_failed", slog.String("session_id", id), slog.String("err", err.Error()))
		return false
	}
	if sess == nil {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	if sess.Expired(now) {
		_ = m.store.Delete(ctx, id)
		m.mu.Unlock()
		m.expired(ctx, sess, ReasonExpired)
		return false
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(sess.Token)) != 1 {
		m.mu.Unlock()
		m.log.WarnContext(ctx, "sessions.validate.token_mismatch", slog.String("session_id", id))
		return false
	}

	sess.LastActivity = now
	sess.Expiration = now.Add(m.lifetime)
	err = m.store.Put(ctx, sess)
	m.mu.Unlock()
	if err != nil {
		m.log.ErrorContext(ctx, "sessions.validate.store_failed", slog.String("session_id", id), slog.String("err", err.Error()))
		return false
	}
	return true
}

// EndSession logs a session out. When token is non-empty it must match or
// nothing happens.
func (m *Manager) EndSession(ctx context.Context, id, token string) bool {
	m.mu.Lock()
	sess, err := m.store.Get(ctx, id)
	if err != nil || sess == nil {
		m.mu.Unlock()
		return false
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(sess.Token)) != 1 {
		m.mu.Unlock()
		return false
	}
	err = m.store.Delete(ctx, id)
	m.mu.Unlock()
	if err != nil {
		m.log.ErrorContext(ctx, "sessions.end.store_failed", slog.String("session_id", id), slog.String("err", err.Error()))
		return false
	}

	m.log.InfoContext(ctx, "sessions.ended", slog.String("session_id", id), slog.String("username", sess.Username))
	m.publish(events.SessionEnded, map[string]any{
		"session_id": id,
		"username":   sess.Username,
	})
	m.runEndHooks(id)
	return true
}

// Get returns a copy of a live session without touching its activity.
// Expired sessions are evicted and reported as not found.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if sess == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if sess.Expired(m.now()) {
		_ = m.store.Delete(ctx, id)
		m.mu.Unlock()
		m.expired(ctx, sess, ReasonExpired)
		return nil, ErrSessionNotFound
	}
	m.mu.Unlock()
	return sess, nil
}

// List returns copies of all stored sessions.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.List(ctx)
}

// GrantPermission adds p to the session's effective permission set.
func (m *Manager) GrantPermission(ctx context.Context, id string, p Permission) error {
	return m.mutate(ctx, id, func(s *Session) (bool, error) {
		return s.grant(p), nil
	})
}

// RevokePermission removes p from the session's effective permission set.
func (m *Manager) RevokePermission(ctx context.Context, id string, p Permission) error {
	return m.mutate(ctx, id, func(s *Session) (bool, error) {
		return s.revoke(p), nil
	})
}

// AssignRole changes the session's role and resets its permission set to the
// role's defaults.
func (m *Manager) AssignRole(ctx context.Context, id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	var old Role
	var username string
	err := m.mutate(ctx, id, func(s *Session) (bool, error) {
		old, username = s.Role, s.Username
		s.Role = role
		s.Permissions = RolePermissions(role)
		return true, nil
	})
	if err != nil {
		return err
	}
	m.log.InfoContext(ctx, "sessions.role_changed", slog.String("session_id", id), slog.String("from", string(old)), slog.String("to", string(role)))
	m.publish(events.SessionRoleChanged, map[string]any{
		"session_id": id,
		"username":   username,
		"old_role":   string(old),
		"new_role":   string(role),
	})
	return nil
}

// CleanupExpiredSessions evicts sessions that have expired or have been
// inactive for more than twice the token lifetime. It does nothing when the
// previous sweep ran less than one cleanup interval ago, and returns the ids
// it evicted.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) []string {
	now := m.now()

	m.mu.Lock()
	if !m.lastCleanup.IsZero() && now.Sub(m.lastCleanup) < m.interval {
		m.mu.Unlock()
		return nil
	}
	m.lastCleanup = now

	all, err := m.store.List(ctx)
	if err != nil {
		m.mu.Unlock()
		m.log.ErrorContext(ctx, "sessions.cleanup.store_failed", slog.String("err", err.Error()))
		return nil
	}

	type eviction struct {
		sess   *Session
		reason string
	}
	var evicted []eviction
	horizon := 2 * m.lifetime
	for _, s := range all {
		reason := ""
		switch {
		case s.Inactive(now, horizon):
			reason = ReasonInactive
		case s.Expired(now):
			reason = ReasonExpired
		default:
			continue
		}
		if err := m.store.Delete(ctx, s.ID); err != nil {
			m.log.ErrorContext(ctx, "sessions.cleanup.delete_failed", slog.String("session_id", s.ID), slog.String("err", err.Error()))
			continue
		}
		evicted = append(evicted, eviction{s, reason})
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		m.expired(ctx, e.sess, e.reason)
		ids = append(ids, e.sess.ID)
	}
	if len(ids) > 0 {
		m.log.InfoContext(ctx, "sessions.cleanup", slog.Int("evicted", len(ids)))
	}
	return ids
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(*Session) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil || sess.Expired(m.now()) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	changed, err := fn(sess)
	if err != nil || !changed {
		return err
	}
	return m.store.Put(ctx, sess)
}

// expired must be called without m.mu held.
func (m *Manager) expired(ctx context.Context, sess *Session, reason string) {
	m.log.InfoContext(ctx, "sessions.expired", slog.String("session_id", sess.ID), slog.String("username", sess.Username), slog.String("reason", reason))
	m.publish(events.SessionExpired, map[string]any{
		"session_id": sess.ID,
		"username":   sess.Username,
		"reason":     reason,
	})
	m.runEndHooks(sess.ID)
}

func (m *Manager) runEndHooks(id string) {
	for _, fn := range m.onEnd {
		fn(id)
	}
}

func (m *Manager) publish(t events.Type, data map[string]any) {
	if m.pub != nil {
		m.pub.Publish(t, data)
	}
}
