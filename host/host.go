// Package host implements the broker that sits between front-end clients and
// backend capability servers. It relays JSON-RPC requests while enforcing
// authentication, role-based authorization, per-operation consent and
// per-client interaction context.
//
// A Host owns all of its tables; several hosts can coexist in one process.
// Locks only ever guard in-memory bookkeeping and are never held across an
// outbound call, so a slow server cannot stall unrelated routing.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-host-go/authz"
	"github.com/ggoodman/mcp-host-go/clientctx"
	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/internal/logctx"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/ggoodman/mcp-host-go/sessions"
)

var (
	// ErrValidation is returned for bad arguments to a host-level call.
	ErrValidation = errors.New("validation error")
	// ErrInvalidBatch is returned when a batch is empty.
	ErrInvalidBatch = errors.New("batch must be a non-empty array")
)

// Host is the broker.
type Host struct {
	log *slog.Logger
	now func() time.Time
	bus *events.Bus

	servers  *registry.Servers
	clients  *registry.Clients
	sessions *sessions.Manager
	authz    *authz.Manager
	consent  *consent.Manager
	contexts *clientctx.Manager

	batchEnabled bool
	requireAuth  bool
	callTimeout  time.Duration
	clientIdle   time.Duration
	dangerous    map[string]struct{}
}

// New creates a Host.
func New(opts ...Option) *Host {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := slog.New(logctx.Wrap(cfg.logger.Handler()))

	bus := cfg.bus
	if bus == nil {
		bus = events.New(events.WithLogger(log), events.WithClock(cfg.now))
	}

	h := &Host{
		log:          log,
		now:          cfg.now,
		bus:          bus,
		servers:      registry.NewServers(),
		clients:      registry.NewClients(),
		contexts:     clientctx.NewManager(clientctx.WithClock(cfg.now)),
		batchEnabled: cfg.batchEnabled,
		requireAuth:  cfg.requireAuth,
		callTimeout:  cfg.callTimeout,
		clientIdle:   cfg.clientIdle,
		dangerous:    make(map[string]struct{}, len(cfg.dangerousTools)),
	}
	for _, name := range cfg.dangerousTools {
		h.dangerous[name] = struct{}{}
	}

	h.sessions = sessions.NewManager(
		sessions.WithStore(cfg.sessionStore),
		sessions.WithVerifier(cfg.verifier),
		sessions.WithIssuer(cfg.issuer),
		sessions.WithTokenLifetime(cfg.tokenLifetime),
		sessions.WithCleanupInterval(cfg.cleanupInterval),
		sessions.WithClock(cfg.now),
		sessions.WithPublisher(bus),
		sessions.WithLogger(log),
		sessions.WithEndHook(func(id string) {
			if cleared := h.contexts.ClearSession(id); len(cleared) > 0 {
				h.log.Debug("host.session.unbound", slog.String("session_id", id), slog.Any("clients", cleared))
			}
		}),
	)
	h.authz = authz.NewManager(h.sessions,
		authz.WithPublisher(bus),
		authz.WithLogger(log),
		authz.WithClock(cfg.now),
		authz.WithViolationLogSize(cfg.violationLogSize),
	)
	h.consent = consent.NewManager(
		consent.WithDefaultLevel(cfg.defaultConsent),
		consent.WithStorage(cfg.consentStorage),
		consent.WithClock(cfg.now),
		consent.WithPublisher(bus),
		consent.WithLogger(log),
	)
	return h
}

// RegisterServer validates info and adds the server. Registering an id twice
// fails with registry.ErrAlreadyRegistered and leaves the first server intact.
func (h *Host) RegisterServer(ctx context.Context, id string, info registry.ServerInfo, handle endpoint.Server) error {
	if id == "" {
		return fmt.Errorf("%w: %w", ErrValidation, registry.ErrEmptyID)
	}
	if handle == nil {
		return fmt.Errorf("%w: server handle is required", ErrValidation)
	}
	caps, warnings, err := registry.ValidateServerInfo(info)
	if err != nil {
		h.log.WarnContext(ctx, "host.server.rejected", slog.String("server_id", id), slog.String("err", err.Error()))
		return err
	}
	for _, w := range warnings {
		h.log.WarnContext(ctx, "host.server.capability_warning", slog.String("server_id", id), slog.String("warning", w))
	}

	d := &registry.ServerDescriptor{ID: id, Info: info, Capabilities: caps, Handle: handle}
	if !h.servers.Register(id, d) {
		return fmt.Errorf("server %q: %w", id, registry.ErrAlreadyRegistered)
	}

	h.log.InfoContext(ctx, "host.server.registered", slog.String("server_id", id), slog.Any("capabilities", caps.Map()))
	h.bus.Publish(events.ServerRegistered, map[string]any{
		"server_id":    id,
		"name":         info.Name,
		"capabilities": caps.Map(),
	})
	return nil
}

// UnregisterServer removes a server and every subscription held against it.
func (h *Host) UnregisterServer(ctx context.Context, id string) bool {
	if _, ok := h.servers.Unregister(id); !ok {
		return false
	}
	for _, s := range h.contexts.RemoveServer(id) {
		h.publishSubscriptionRemoved(s, "server_unregistered")
	}
	h.log.InfoContext(ctx, "host.server.unregistered", slog.String("server_id", id))
	h.bus.Publish(events.ServerUnregistered, map[string]any{"server_id": id})
	return true
}

// RegisterClient adds a client and opens its context.
func (h *Host) RegisterClient(ctx context.Context, id string, info registry.ClientInfo, handle endpoint.Client) error {
	if id == "" {
		return fmt.Errorf("%w: %w", ErrValidation, registry.ErrEmptyID)
	}
	if handle == nil {
		return fmt.Errorf("%w: client handle is required", ErrValidation)
	}
	if !h.clients.Register(id, &registry.ClientDescriptor{ID: id, Info: info, Handle: handle}) {
		return fmt.Errorf("client %q: %w", id, registry.ErrAlreadyRegistered)
	}
	h.contexts.Create(id)

	h.log.InfoContext(ctx, "host.client.registered", slog.String("client_id", id))
	h.bus.Publish(events.ClientRegistered, map[string]any{
		"client_id":    id,
		"name":         info.Name,
		"capabilities": info.Capabilities,
	})
	return nil
}

// UnregisterClient tears down a client: servers are told about each open
// subscription, the subscriptions and the context are removed, and only then
// is the descriptor dropped.
func (h *Host) UnregisterClient(ctx context.Context, id string) bool {
	if !h.clients.Has(id) {
		return false
	}

	subs, _ := h.contexts.Remove(id)
	for _, s := range subs {
		h.notifyUnsubscribe(ctx, s)
		h.publishSubscriptionRemoved(s, "client_unregistered")
	}

	if _, ok := h.clients.Unregister(id); !ok {
		return false
	}
	h.log.InfoContext(ctx, "host.client.unregistered", slog.String("client_id", id), slog.Int("subscriptions", len(subs)))
	h.bus.Publish(events.ClientUnregistered, map[string]any{
		"client_id":     id,
		"subscriptions": len(subs),
	})
	return true
}

// notifyUnsubscribe tells the owning server, if still registered, that a
// subscription is gone. Failures are logged and otherwise ignored.
func (h *Host) notifyUnsubscribe(ctx context.Context, s clientctx.Subscription) {
	srv, ok := h.servers.Get(s.ServerID)
	if !ok {
		return
	}
	n, err := jsonrpc.NewNotification(MethodResourcesUnsubscribe, map[string]string{"uri": s.URI})
	if err != nil {
		return
	}
	callCtx, cancel := h.callContext(ctx)
	defer cancel()
	auth := &endpoint.AuthContext{ClientID: s.ClientID}
	if _, err := await(callCtx, func(ctx context.Context) (*jsonrpc.Response, error) {
		return srv.Handle.HandleRequest(ctx, n, auth, nil)
	}); err != nil {
		h.log.WarnContext(ctx, "host.client.unsubscribe_failed",
			slog.String("client_id", s.ClientID),
			slog.String("server_id", s.ServerID),
			slog.String("uri", s.URI),
			slog.String("err", err.Error()),
		)
	}
}

// Authenticate opens a session. When clientID names a registered client the
// session becomes that client's active session.
func (h *Host) Authenticate(ctx context.Context, clientID, username, credentials string, role sessions.Role) (*sessions.Session, error) {
	if clientID != "" && !h.clients.Has(clientID) {
		return nil, fmt.Errorf("%w: unknown client %q", ErrValidation, clientID)
	}
	sess, err := h.sessions.Authenticate(ctx, username, credentials, role)
	if err != nil {
		h.bus.Publish(events.AuthenticationFailed, map[string]any{
			"client_id": clientID,
			"username":  username,
			"reason":    err.Error(),
		})
		return nil, err
	}
	if clientID != "" {
		if err := h.contexts.SetActiveSession(clientID, sess.ID); err != nil {
			h.sessions.EndSession(ctx, sess.ID, sess.Token)
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	return sess, nil
}

// ValidateSession checks a session and slides its expiration.
func (h *Host) ValidateSession(ctx context.Context, sessionID, token string) bool {
	return h.sessions.ValidateSession(ctx, sessionID, token)
}

// EndSession logs a session out and unbinds it from any client.
func (h *Host) EndSession(ctx context.Context, sessionID, token string) bool {
	return h.sessions.EndSession(ctx, sessionID, token)
}

// Session returns a copy of a session without its token.
func (h *Host) Session(ctx context.Context, sessionID string) (*sessions.Session, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Redacted(), nil
}

// GrantPermission adds a permission to a session's effective set.
func (h *Host) GrantPermission(ctx context.Context, sessionID string, p sessions.Permission) error {
	return h.sessions.GrantPermission(ctx, sessionID, p)
}

// RevokePermission removes a permission from a session's effective set.
func (h *Host) RevokePermission(ctx context.Context, sessionID string, p sessions.Permission) error {
	return h.sessions.RevokePermission(ctx, sessionID, p)
}

// AssignRole changes a session's role and reseeds its permissions.
func (h *Host) AssignRole(ctx context.Context, sessionID string, role sessions.Role) error {
	return h.sessions.AssignRole(ctx, sessionID, role)
}

// RegisterConsent grants clientID the right to perform operations matching
// pattern on serverID at level.
func (h *Host) RegisterConsent(ctx context.Context, clientID, serverID, pattern string, level consent.Level, expiration *time.Time) (string, error) {
	return h.consent.RegisterConsent(ctx, clientID, serverID, pattern, level, expiration)
}

// RevokeConsent removes a grant.
func (h *Host) RevokeConsent(ctx context.Context, consentID, reason string) bool {
	return h.consent.RevokeConsent(ctx, consentID, reason)
}

// CheckConsent reports whether clientID may perform operation on serverID.
// Operations naming a tool flagged dangerous host-wide are not resolvable
// from the name alone; use RouteRequest for tool-aware checks.
func (h *Host) CheckConsent(ctx context.Context, clientID, serverID, operation string) bool {
	return h.consent.CheckConsent(ctx, clientID, serverID, operation, false)
}

// Consents lists grants, optionally filtered by client and server.
func (h *Host) Consents(clientID, serverID string) []consent.Grant {
	return h.consent.List(clientID, serverID)
}

// RestoreConsents reloads persisted grants.
func (h *Host) RestoreConsents(ctx context.Context) (int, error) {
	return h.consent.Restore(ctx)
}

// SubscribeToEvents registers cb for events of type t, or for every event
// with events.AllTypes.
func (h *Host) SubscribeToEvents(t events.Type, cb events.Callback) string {
	return h.bus.Subscribe(t, cb)
}

// UnsubscribeFromEvents removes an event subscription.
func (h *Host) UnsubscribeFromEvents(id string) bool {
	return h.bus.Unsubscribe(id)
}

// ListServers returns registered server ids in registration order.
func (h *Host) ListServers() []string { return h.servers.List() }

// ListClients returns registered client ids in registration order.
func (h *Host) ListClients() []string { return h.clients.List() }

// Server returns a registered server's descriptor.
func (h *Host) Server(id string) (*registry.ServerDescriptor, bool) { return h.servers.Get(id) }

// ClientContext returns a snapshot of a client's context.
func (h *Host) ClientContext(clientID string) (clientctx.ClientContext, bool) {
	return h.contexts.Get(clientID)
}

// Subscriptions lists open subscriptions of clientID, or all of them.
func (h *Host) Subscriptions(clientID string) []clientctx.Subscription {
	return h.contexts.Subscriptions(clientID)
}

// Violations returns retained authorization violations, oldest first.
func (h *Host) Violations() []authz.Violation { return h.authz.Violations() }

// Events returns the bus the host publishes on.
func (h *Host) Events() *events.Bus { return h.bus }

func (h *Host) publishSubscriptionRemoved(s clientctx.Subscription, reason string) {
	h.bus.Publish(events.SubscriptionRemoved, map[string]any{
		"subscription_id": s.ID,
		"client_id":       s.ClientID,
		"server_id":       s.ServerID,
		"uri":             s.URI,
		"reason":          reason,
	})
}
