// Package authz maps operations to the coarse permission they require and
// checks sessions against that requirement.
//
// Lookup is exact match first, then the longest matching prefix. Operations
// matching neither require ADMIN.
package authz

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/sessions"
)

// DefaultViolationLogSize bounds the in-memory audit ring.
const DefaultViolationLogSize = 100

var exactPermissions = map[string]sessions.Permission{
	"ping":                  sessions.PermRead,
	"capabilities/list":     sessions.PermRead,
	"tools/list":            sessions.PermRead,
	"tools/get":             sessions.PermRead,
	"tools/execute":         sessions.PermExecute,
	"tools/call":            sessions.PermExecute,
	"resources/list":        sessions.PermRead,
	"resources/read":        sessions.PermRead,
	"resources/subscribe":   sessions.PermRead,
	"resources/unsubscribe": sessions.PermRead,
	"resources/write":       sessions.PermWrite,
	"prompts/list":          sessions.PermRead,
	"prompts/get":           sessions.PermRead,
}

type prefixRule struct {
	prefix string
	perm   sessions.Permission
}

// Sorted longest first at init.
var prefixPermissions = []prefixRule{
	{"tools/execute", sessions.PermExecute},
	{"resources/write", sessions.PermWrite},
	{"system/", sessions.PermAdmin},
}

func init() {
	sort.SliceStable(prefixPermissions, func(i, j int) bool {
		return len(prefixPermissions[i].prefix) > len(prefixPermissions[j].prefix)
	})
}

// RequiredPermission returns the permission needed to perform operation.
func RequiredPermission(operation string) sessions.Permission {
	if p, ok := exactPermissions[operation]; ok {
		return p
	}
	for _, r := range prefixPermissions {
		if strings.HasPrefix(operation, r.prefix) {
			return r.perm
		}
	}
	return sessions.PermAdmin
}

// Violation is an audited authorization denial.
type Violation struct {
	Timestamp          time.Time           `json:"ts"`
	ClientID           string              `json:"client_id,omitempty"`
	SessionID          string              `json:"session_id"`
	Username           string              `json:"username,omitempty"`
	Role               sessions.Role       `json:"role,omitempty"`
	Operation          string              `json:"operation"`
	RequiredPermission sessions.Permission `json:"required_permission"`
}

// SessionSource resolves sessions by id.
type SessionSource interface {
	Get(ctx context.Context, id string) (*sessions.Session, error)
}

// Manager performs authorization checks and keeps the violation ring.
type Manager struct {
	sessions SessionSource
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	ring       []Violation
	next       int
	full       bool
	violations uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets the event sink for authorization_violation events.
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

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithViolationLogSize sets the audit ring capacity.
func WithViolationLogSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ring = make([]Violation, n)
		}
	}
}

// NewManager creates an authorization manager over src.
func NewManager(src SessionSource, opts ...Option) *Manager {
	m := &Manager{
		sessions: src,
		log:      slog.New(slog.DiscardHandler),
		now:      time.Now,
		ring:     make([]Violation, DefaultViolationLogSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authorize reports whether the session may perform operation. A denial is
// recorded in the violation ring and published. clientID is informational.
func (m *Manager) Authorize(ctx context.Context, clientID, sessionID, operation string) bool {
	required := RequiredPermission(operation)

	sess, err := m.sessions.Get(ctx, sessionID)
	if err == nil && sess.HasPermission(required) {
		return true
	}

	v := Violation{
		Timestamp:          m.now(),
		ClientID:           clientID,
		SessionID:          sessionID,
		Operation:          operation,
		RequiredPermission: required,
	}
	if sess != nil {
		v.Username = sess.Username
		v.Role = sess.Role
	}
	m.record(ctx, v)
	return false
}

// Violations returns the retained violations, oldest first.
func (m *Manager) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]Violation(nil), m.ring[:m.next]...)
	}
	out := make([]Violation, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

// ViolationCount returns the total number of denials since creation,
// including those that have rotated out of the ring.
func (m *Manager) ViolationCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

func (m *Manager) record(ctx context.Context, v Violation) {
	m.mu.Lock()
	m.ring[m.next] = v
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.violations++
	m.mu.Unlock()

	m.log.WarnContext(ctx, "authz.denied",
		slog.String("client_id", v.ClientID),
		slog.String("session_id", v.SessionID),
		slog.String("username", v.Username),
		slog.String("role", string(v.Role)),
		slog.String("operation", v.Operation),
		slog.String("required", string(v.RequiredPermission)),
	)
	if m.pub != nil {
		m.pub.Publish(events.AuthorizationViolation, map[string]any{
			"client_id":           v.ClientID,
			"session_id":          v.SessionID,
			"username":            v.Username,
			"role":                string(v.Role),
			"operation":           v.Operation,
			"required_permission": string(v.RequiredPermission),
		})
	}
}
