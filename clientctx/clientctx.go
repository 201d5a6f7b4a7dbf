// Package clientctx tracks per-client interaction state: the active session,
// the servers a client has talked to, its open resource subscriptions and
// when it was last active.
//
// Contexts and subscriptions share one lock so that a subscription can never
// outlive the context that owns it.
package clientctx

import (
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownClient is returned when no context exists for a client.
	ErrUnknownClient = errors.New("unknown client context")
)

// Subscription is an open resource subscription.
type Subscription struct {
	ID        string    `json:"subscription_id"`
	ClientID  string    `json:"client_id"`
	ServerID  string    `json:"server_id"`
	URI       string    `json:"uri"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientContext is a snapshot of a client's state.
type ClientContext struct {
	ClientID         string    `json:"client_id"`
	ActiveSessionID  string    `json:"active_session_id,omitempty"`
	ConnectedServers []string  `json:"connected_servers"`
	Subscriptions    []string  `json:"subscriptions"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
}

type entry struct {
	clientID     string
	sessionID    string
	servers      map[string]struct{}
	subs         map[string]struct{}
	createdAt    time.Time
	lastActivity time.Time
}

func (e *entry) snapshot() ClientContext {
	servers := slices.Sorted(maps.Keys(e.servers))
	subs := slices.Sorted(maps.Keys(e.subs))
	return ClientContext{
		ClientID:         e.clientID,
		ActiveSessionID:  e.sessionID,
		ConnectedServers: servers,
		Subscriptions:    subs,
		CreatedAt:        e.createdAt,
		LastActivity:     e.lastActivity,
	}
}

// Manager owns all client contexts of a host.
type Manager struct {
	mu   sync.RWMutex
	ctxs map[string]*entry
	subs map[string]*Subscription
	now  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ctxs: make(map[string]*entry),
		subs: make(map[string]*Subscription),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a context for clientID. It reports false if one exists.
func (m *Manager) Create(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ctxs[clientID]; ok {
		return false
	}
	now := m.now()
	m.ctxs[clientID] = &entry{
		clientID:     clientID,
		servers:      make(map[string]struct{}),
		subs:         make(map[string]struct{}),
		createdAt:    now,
		lastActivity: now,
	}
	return true
}

// Remove destroys a client's context together with its subscriptions, which
// are returned so the caller can notify the servers involved.
func (m *Manager) Remove(clientID string) ([]Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return nil, false
	}
	removed := make([]Subscription, 0, len(e.subs))
	for id := range e.subs {
		if s, ok := m.subs[id]; ok {
			removed = append(removed, *s)
			delete(m.subs, id)
		}
	}
	delete(m.ctxs, clientID)
	sortSubs(removed)
	return removed, true
}

// Get returns a snapshot of a client's context.
func (m *Manager) Get(clientID string) (ClientContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return ClientContext{}, false
	}
	return e.snapshot(), true
}

// List returns the ids of all clients with a context, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.ctxs))
}

// SetActiveSession binds sessionID to the client. An empty id clears it.
func (m *Manager) SetActiveSession(clientID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return ErrUnknownClient
	}
	e.sessionID = sessionID
	e.lastActivity = m.now()
	return nil
}

// ActiveSession returns the session bound to the client, or "".
func (m *Manager) ActiveSession(clientID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.ctxs[clientID]; ok {
		return e.sessionID
	}
	return ""
}

// ClearSession unbinds sessionID from every client holding it and returns
// those clients.
func (m *Manager) ClearSession(sessionID string) []string {
	if sessionID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []string
	for id, e := range m.ctxs {
		if e.sessionID == sessionID {
			e.sessionID = ""
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)
	return cleared
}

// Touch records activity by the client against serverID. An empty serverID
// only refreshes the activity timestamp.
func (m *Manager) Touch(clientID, serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return false
	}
	e.lastActivity = m.now()
	if serverID != "" {
		e.servers[serverID] = struct{}{}
	}
	return true
}

// AddSubscription records an open subscription owned by clientID.
func (m *Manager) AddSubscription(clientID, serverID, uri string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return Subscription{}, ErrUnknownClient
	}
	s := &Subscription{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		ServerID:  serverID,
		URI:       uri,
		CreatedAt: m.now(),
	}
	m.subs[s.ID] = s
	e.subs[s.ID] = struct{}{}
	e.servers[serverID] = struct{}{}
	return *s, nil
}

// RemoveSubscription deletes a subscription by id.
func (m *Manager) RemoveSubscription(id string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return Subscription{}, false
	}
	delete(m.subs, id)
	if e, ok := m.ctxs[s.ClientID]; ok {
		delete(e.subs, id)
	}
	return *s, true
}

// FindSubscription returns the oldest subscription of clientID to uri on
// serverID.
func (m *Manager) FindSubscription(clientID, serverID, uri string) (Subscription, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.ctxs[clientID]
	if !ok {
		return Subscription{}, false
	}
	var found *Subscription
	for id := range e.subs {
		s := m.subs[id]
		if s == nil || s.ServerID != serverID || s.URI != uri {
			continue
		}
		if found == nil || s.CreatedAt.Before(found.CreatedAt) || (s.CreatedAt.Equal(found.CreatedAt) && s.ID < found.ID) {
			found = s
		}
	}
	if found == nil {
		return Subscription{}, false
	}
	return *found, true
}

// Subscriptions lists subscriptions owned by clientID, or all of them when
// clientID is empty.
func (m *Manager) Subscriptions(clientID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, s := range m.subs {
		if clientID == "" || s.ClientID == clientID {
			out = append(out, *s)
		}
	}
	sortSubs(out)
	return out
}

// RemoveServer drops serverID from every client's connected set and deletes
// the subscriptions held against it.
func (m *Manager) RemoveServer(serverID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []Subscription
	for id, s := range m.subs {
		if s.ServerID != serverID {
			continue
		}
		removed = append(removed, *s)
		delete(m.subs, id)
		if e, ok := m.ctxs[s.ClientID]; ok {
			delete(e.subs, id)
		}
	}
	for _, e := range m.ctxs {
		delete(e.servers, serverID)
	}
	sortSubs(removed)
	return removed
}

// Idle returns the clients whose last activity is older than maxIdle.
func (m *Manager) Idle(maxIdle time.Duration) []string {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, e := range m.ctxs {
		if now.Sub(e.lastActivity) > maxIdle {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func sortSubs(s []Subscription) {
	sort.Slice(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}
