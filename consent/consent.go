// Package consent records which operations a client may perform on a server
// and at what strength.
//
// A grant binds a (client, server) pair to an operation pattern and a
// consent level. A check succeeds when some live grant for the pair matches
// the operation with a level at least as strong as the operation requires,
// or when the manager's default level already suffices. Expired grants are
// removed lazily during checks and eagerly by Sweep; both paths emit the same
// consent_expired event.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/storage"
	"github.com/google/uuid"
)

// ErrInvalidGrant is returned when a grant cannot be registered.
var ErrInvalidGrant = errors.New("invalid consent grant")

// Grant is a standing consent of a client to act on a server.
type Grant struct {
	ID         string     `json:"consent_id"`
	ClientID   string     `json:"client_id"`
	ServerID   string     `json:"server_id"`
	Pattern    string     `json:"operation_pattern"`
	Level      Level      `json:"consent_level"`
	Expiration *time.Time `json:"expiration,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used,omitempty"`

	matcher Matcher
}

func (g *Grant) expired(now time.Time) bool {
	return g.Expiration != nil && g.Expiration.Before(now)
}

func (g *Grant) snapshot() Grant {
	out := *g
	out.matcher = nil
	if g.Expiration != nil {
		e := *g.Expiration
		out.Expiration = &e
	}
	if g.LastUsed != nil {
		u := *g.LastUsed
		out.LastUsed = &u
	}
	return out
}

// Decision is the outcome of a consent evaluation.
type Decision struct {
	Allowed  bool
	Required Level
	// GrantID is the grant that satisfied the check; empty when the default
	// level did or when the check was denied.
	GrantID string
	// Best is the strongest matching level seen, including the default.
	Best Level
}

type pairKey struct{ client, server string }

// Manager holds consent grants.
type Manager struct {
	mu     sync.Mutex
	grants map[string]*Grant
	byPair map[pairKey][]*Grant

	defaultLevel Level
	backend      storage.Storage
	now          func() time.Time
	pub          events.Publisher
	log          *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultLevel sets the level assumed when no grant matches.
func WithDefaultLevel(l Level) Option {
	return func(m *Manager) {
		if l.Valid() {
			m.defaultLevel = l
		}
	}
}

// WithStorage enables write-through persistence of grants.
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) { m.backend = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager creates an empty consent manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		grants:       make(map[string]*Grant),
		byPair:       make(map[pairKey][]*Grant),
		defaultLevel: None,
		now:          time.Now,
		log:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultLevel returns the configured fallback level.
func (m *Manager) DefaultLevel() Level { return m.defaultLevel }

// RegisterConsent records a grant and returns its id. A nil expiration never
// expires.
func (m *Manager) RegisterConsent(ctx context.Context, clientID, serverID, pattern string, level Level, expiration *time.Time) (string, error) {
	if clientID == "" || serverID == "" {
		return "", fmt.Errorf("%w: client and server ids are required", ErrInvalidGrant)
	}
	if !level.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidGrant, level)
	}
	matcher, err := Compile(pattern)
	if err != nil {
		return "", err
	}
	now := m.now()
	if expiration != nil && !expiration.After(now) {
		return "", fmt.Errorf("%w: expiration is in the past", ErrInvalidGrant)
	}

	g := &Grant{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		ServerID:  serverID,
		Pattern:   pattern,
		Level:     level,
		CreatedAt: now,
		matcher:   matcher,
	}
	if expiration != nil {
		e := *expiration
		g.Expiration = &e
	}

	if err := m.persist(ctx, g); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.insert(g)
	m.mu.Unlock()

	m.log.InfoContext(ctx, "consent.granted",
		slog.String("consent_id", g.ID),
		slog.String("client_id", clientID),
		slog.String("server_id", serverID),
		slog.String("pattern", pattern),
		slog.String("level", level.String()),
	)
	m.publish(events.ConsentGranted, map[string]any{
		"consent_id": g.ID,
		"client_id":  clientID,
		"server_id":  serverID,
		"pattern":    pattern,
		"level":      level.String(),
	})
	return g.ID, nil
}

// RevokeConsent removes a grant. It reports false for unknown ids.
func (m *Manager) RevokeConsent(ctx context.Context, id, reason string) bool {
	m.mu.Lock()
	g, ok := m.grants[id]
	if ok {
		m.remove(g)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.unpersist(ctx, id)
	m.log.InfoContext(ctx, "consent.revoked", slog.String("consent_id", id), slog.String("reason", reason))
	m.publish(events.ConsentRevoked, map[string]any{
		"consent_id": id,
		"client_id":  g.ClientID,
		"server_id":  g.ServerID,
		"reason":     reason,
	})
	return true
}

// CheckConsent reports whether the client may perform operation on the
// server. See Evaluate.
func (m *Manager) CheckConsent(ctx context.Context, clientID, serverID, operation string, dangerous bool) bool {
	return m.Evaluate(ctx, clientID, serverID, operation, dangerous).Allowed
}

// Evaluate checks consent and reports how the decision was reached. Denials
// publish a consent_violation event.
func (m *Manager) Evaluate(ctx context.Context, clientID, serverID, operation string, dangerous bool) Decision {
	required := RequiredLevel(operation, dangerous)
	now := m.now()

	m.mu.Lock()
	expired := m.evictExpiredLocked(pairKey{clientID, serverID}, now)
	d := Decision{Required: required, Best: m.defaultLevel}
	for _, g := range m.byPair[pairKey{clientID, serverID}] {
		if !g.matcher.Match(operation) {
			continue
		}
		if g.Level > d.Best {
			d.Best = g.Level
		}
		if !d.Allowed && g.Level >= required {
			d.Allowed = true
			d.GrantID = g.ID
			used := now
			g.LastUsed = &used
		}
	}
	m.mu.Unlock()

	m.reportExpired(ctx, expired)

	if !d.Allowed && m.defaultLevel >= required {
		d.Allowed = true
	}
	if !d.Allowed {
		m.log.WarnContext(ctx, "consent.denied",
			slog.String("client_id", clientID),
			slog.String("server_id", serverID),
			slog.String("operation", operation),
			slog.String("required", required.String()),
			slog.String("best", d.Best.String()),
		)
		m.publish(events.ConsentViolation, map[string]any{
			"client_id":      clientID,
			"server_id":      serverID,
			"operation":      operation,
			"required_level": required.String(),
			"granted_level":  d.Best.String(),
		})
	}
	return d
}

// Sweep removes every expired grant and returns their ids.
func (m *Manager) Sweep(ctx context.Context) []string {
	now := m.now()
	m.mu.Lock()
	var expired []*Grant
	for k := range m.byPair {
		expired = append(expired, m.evictExpiredLocked(k, now)...)
	}
	m.mu.Unlock()

	m.reportExpired(ctx, expired)
	ids := make([]string, len(expired))
	for i, g := range expired {
		ids[i] = g.ID
	}
	return ids
}

// Get returns a snapshot of a grant.
func (m *Manager) Get(id string) (Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return Grant{}, false
	}
	return g.snapshot(), true
}

// List returns grant snapshots filtered by client and server. Empty filters
// match everything. Grants are ordered by creation within a pair.
func (m *Manager) List(clientID, serverID string) []Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Grant
	for k, gs := range m.byPair {
		if (clientID != "" && k.client != clientID) || (serverID != "" && k.server != serverID) {
			continue
		}
		for _, g := range gs {
			out = append(out, g.snapshot())
		}
	}
	return out
}

// Restore loads persisted grants from storage, skipping expired or invalid
// records. It is a no-op without storage.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.backend == nil {
		return 0, nil
	}
	ns := storage.WithNamespace(storage.NamespaceConsents)
	keys, err := m.backend.Keys(ctx, ns)
	if err != nil {
		return 0, fmt.Errorf("failed to list consents: %w", err)
	}

	now := m.now()
	restored := 0
	for _, k := range keys {
		item, err := m.backend.Get(ctx, k, ns)
		if err != nil {
			return restored, fmt.Errorf("failed to load consent %s: %w", k, err)
		}
		if item == nil {
			continue
		}
		var g Grant
		if err := json.Unmarshal(item.Data, &g); err != nil {
			m.log.WarnContext(ctx, "consent.restore.decode_failed", slog.String("consent_id", k), slog.String("err", err.Error()))
			continue
		}
		if g.matcher, err = Compile(g.Pattern); err != nil {
			m.log.WarnContext(ctx, "consent.restore.bad_pattern", slog.String("consent_id", k), slog.String("err", err.Error()))
			continue
		}
		if g.expired(now) {
			m.unpersist(ctx, g.ID)
			continue
		}

		m.mu.Lock()
		if _, exists := m.grants[g.ID]; !exists {
			m.insert(&g)
			restored++
		}
		m.mu.Unlock()
	}
	return restored, nil
}

func (m *Manager) insert(g *Grant) {
	m.grants[g.ID] = g
	k := pairKey{g.ClientID, g.ServerID}
	m.byPair[k] = append(m.byPair[k], g)
}

func (m *Manager) remove(g *Grant) {
	delete(m.grants, g.ID)
	k := pairKey{g.ClientID, g.ServerID}
	gs := m.byPair[k]
	for i, x := range gs {
		if x.ID == g.ID {
			gs = append(gs[:i:i], gs[i+1:]...)
			break
		}
	}
	if len(gs) == 0 {
		delete(m.byPair, k)
	} else {
		m.byPair[k] = gs
	}
}

func (m *Manager) evictExpiredLocked(k pairKey, now time.Time) []*Grant {
	var expired []*Grant
	for _, g := range m.byPair[k] {
		if g.expired(now) {
			expired = append(expired, g)
		}
	}
	for _, g := range expired {
		m.remove(g)
	}
	return expired
}

func (m *Manager) reportExpired(ctx context.Context, expired []*Grant) {
	for _, g := range expired {
		m.unpersist(ctx, g.ID)
		m.log.InfoContext(ctx, "consent.expired", slog.String("consent_id", g.ID))
		m.publish(events.ConsentExpired, map[string]any{
			"consent_id": g.ID,
			"client_id":  g.ClientID,
			"server_id":  g.ServerID,
		})
	}
}

func (m *Manager) persist(ctx context.Context, g *Grant) error {
	if m.backend == nil {
		return nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode consent: %w", err)
	}
	opts := []storage.Option{storage.WithNamespace(storage.NamespaceConsents)}
	if g.Expiration != nil {
		opts = append(opts, storage.WithTTL(g.Expiration.Sub(m.now())))
	}
	if err := m.backend.Set(ctx, g.ID, b, opts...); err != nil {
		return fmt.Errorf("failed to store consent: %w", err)
	}
	return nil
}

func (m *Manager) unpersist(ctx context.Context, id string) {
	if m.backend == nil {
		return
	}
	if err := m.backend.Delete(ctx, storage.WithNamespace(storage.NamespaceConsents), storage.WithKey(id)); err != nil {
		m.log.ErrorContext(ctx, "consent.unpersist_failed", slog.String("consent_id", id), slog.String("err", err.Error()))
	}
}

func (m *Manager) publish(t events.Type, data map[string]any) {
	if m.pub != nil {
		m.pub.Publish(t, data)
	}
}
