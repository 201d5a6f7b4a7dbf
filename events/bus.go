// Package events provides the host's in-process publish/subscribe bus for
// lifecycle notifications (servers registered, sessions expired, consent
// revoked, violations). Delivery is synchronous: Publish returns after every
// matching callback has run. A callback that panics is recovered and logged;
// it never affects the publisher or sibling callbacks.
//
// The bus is nil-safe: Publish on a nil *Bus is a no-op, so components can
// hold an optional bus without guard checks.
package events

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a kind of event.
type Type string

// Event types published by the host.
const (
	// AllTypes subscribes a callback to every event type.
	AllTypes Type = "*"

	ServerRegistered   Type = "server_registered"
	ServerUnregistered Type = "server_unregistered"
	ClientRegistered   Type = "client_registered"
	ClientUnregistered Type = "client_unregistered"

	SessionCreated     Type = "session_created"
	SessionEnded       Type = "session_ended"
	SessionExpired     Type = "session_expired"
	SessionRoleChanged Type = "session_role_changed"

	ConsentGranted   Type = "consent_granted"
	ConsentRevoked   Type = "consent_revoked"
	ConsentExpired   Type = "consent_expired"
	ConsentViolation Type = "consent_violation"

	AuthenticationFailed   Type = "authentication_failed"
	AuthorizationViolation Type = "authorization_violation"

	SubscriptionCreated Type = "subscription_created"
	SubscriptionRemoved Type = "subscription_removed"

	ClientIdle Type = "client_idle"
)

// Event is a single published notification.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// Callback receives published events.
type Callback func(Event)

// Publisher is the narrow interface components depend on to emit events.
type Publisher interface {
	Publish(t Type, data map[string]any)
}

type subscriber struct {
	id  string
	typ Type
	cb  Callback
	seq uint64
}

// Bus fans events out to registered callbacks.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	byType map[Type]map[string]*subscriber
	seq    uint64
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report recovered callback panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*subscriber),
		byType: make(map[Type]map[string]*subscriber),
		log:    slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers cb for events of type t (or AllTypes) and returns the
// subscription ID.
func (b *Bus) Subscribe(t Type, cb Callback) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	s := &subscriber{id: id, typ: t, cb: cb, seq: b.seq}
	b.subs[id] = s
	if b.byType[t] == nil {
		b.byType[t] = make(map[string]*subscriber)
	}
	b.byType[t][id] = s
	return id
}

// Unsubscribe removes a subscription. It reports false for unknown IDs.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return false
	}
	delete(b.subs, id)
	delete(b.byType[s.typ], id)
	if len(b.byType[s.typ]) == 0 {
		delete(b.byType, s.typ)
	}
	return true
}

// Publish delivers an event to every callback registered for its type and to
// every AllTypes callback, in subscription order. Safe on a nil receiver.
func (b *Bus) Publish(t Type, data map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Type: t, Timestamp: b.now(), Data: data}

	// Snapshot under the read lock so callbacks may subscribe, unsubscribe
	// or publish without deadlocking.
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.byType[t])+len(b.byType[AllTypes]))
	for _, s := range b.byType[t] {
		targets = append(targets, s)
	}
	if t != AllTypes {
		for _, s := range b.byType[AllTypes] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event callback panicked",
				slog.String("event", string(ev.Type)),
				slog.String("subscription", s.id),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	s.cb(ev)
}

var _ Publisher = (*Bus)(nil)
