package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/mcp-host-go/authz"
	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/internal/logctx"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/ggoodman/mcp-host-go/sessions"
)

// Methods the host inspects or emits.
const (
	MethodToolsExecute         = "tools/execute"
	MethodToolsCall            = "tools/call"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"
	MethodProgressUpdate       = "progress/update"
)

var errServerPanic = errors.New("server panicked")

// caller is the admission state shared by every request of a routed call.
type caller struct {
	clientID string
	client   *registry.ClientDescriptor
	session  *sessions.Session
}

func (c *caller) authContext(required consent.Level) *endpoint.AuthContext {
	ac := &endpoint.AuthContext{ClientID: c.clientID, ConsentLevel: required.String()}
	if s := c.session; s != nil {
		ac.SessionID = s.ID
		ac.Username = s.Username
		ac.Role = string(s.Role)
		ac.Authenticated = true
		for _, p := range s.Permissions {
			ac.Permissions = append(ac.Permissions, string(p))
		}
	}
	return ac
}

// RouteRequest validates, authenticates, authorizes and consent-checks req
// before forwarding it to serverID. Denials come back as error responses.
// Notifications are routed the same way but yield a nil response; a request
// too malformed to classify is always answered.
func (h *Host) RouteRequest(ctx context.Context, serverID string, req *jsonrpc.Request, clientID, authToken string) *jsonrpc.Response {
	if err := jsonrpc.ValidateRequest(req); err != nil {
		var id *jsonrpc.RequestID
		if req != nil {
			id = req.ID
		}
		h.log.InfoContext(ctx, "host.route.invalid", slog.String("server_id", serverID), slog.String("err", err.Error()))
		return jsonrpc.NewCategorizedError(id, jsonrpc.ErrorCodeInvalidRequest, "invalid request", err.Error())
	}

	rt := &logctx.Route{ServerID: serverID, ClientID: clientID, Method: req.Method, ID: req.ID.String(), Type: "request"}
	if req.IsNotification() {
		rt.Type = "notification"
	}
	ctx = logctx.WithRoute(ctx, rt)

	start := h.now()
	res := h.route(ctx, serverID, req, clientID, authToken)
	if res != nil && res.Error != nil {
		h.log.InfoContext(ctx, "host.route.denied", slog.String("category", res.Error.Category()), slog.Int64("dur_ms", h.now().Sub(start).Milliseconds()))
	} else {
		h.log.DebugContext(ctx, "host.route.ok", slog.Int64("dur_ms", h.now().Sub(start).Milliseconds()))
	}

	if req.IsNotification() {
		return nil
	}
	return res
}

func (h *Host) route(ctx context.Context, serverID string, req *jsonrpc.Request, clientID, authToken string) *jsonrpc.Response {
	srv, c, rpcErr := h.resolve(serverID, clientID)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	if rpcErr := capabilityGate(srv, req.Method); rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}

	if rpcErr := h.authenticate(ctx, c, authToken); rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	if c.session != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: c.session.ID, Username: c.session.Username, Role: string(c.session.Role)})
	}

	required, rpcErr := h.admit(ctx, srv, c, req)
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}

	res := h.forward(ctx, srv, c, req, c.authContext(required))
	if res != nil && res.Error == nil {
		h.trackSubscription(ctx, srv.ID, c.clientID, req)
	}
	return res
}

// resolve looks up the target server and, when given, the calling client.
func (h *Host) resolve(serverID, clientID string) (*registry.ServerDescriptor, *caller, *jsonrpc.Error) {
	srv, ok := h.servers.Get(serverID)
	if !ok {
		return nil, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "unknown server", map[string]string{"server_id": serverID})
	}
	c := &caller{clientID: clientID}
	if clientID != "" {
		d, ok := h.clients.Get(clientID)
		if !ok {
			return nil, nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "unknown client", map[string]string{"client_id": clientID})
		}
		c.client = d
	}
	return srv, c, nil
}

// capabilityGate rejects methods in a primitive family the server did not
// declare. Methods outside the known families pass through.
func capabilityGate(srv *registry.ServerDescriptor, method string) *jsonrpc.Error {
	var capName string
	switch {
	case strings.HasPrefix(method, "tools/"):
		capName = registry.CapTools
	case method == MethodResourcesSubscribe || method == MethodResourcesUnsubscribe:
		capName = registry.CapSubscriptions
	case strings.HasPrefix(method, "resources/"):
		capName = registry.CapResources
	case strings.HasPrefix(method, "prompts/"):
		capName = registry.CapPrompts
	default:
		return nil
	}
	if srv.Capabilities.Map()[capName] {
		return nil
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeCapabilityNotSupported, "capability not supported", map[string]string{
		"server_id":  srv.ID,
		"capability": capName,
		"operation":  method,
	})
}

// authenticate validates the client's active session, if any, and loads it
// into c. A session that no longer exists is unbound from the client.
func (h *Host) authenticate(ctx context.Context, c *caller, token string) *jsonrpc.Error {
	if c.client == nil {
		return nil
	}
	sid := h.contexts.ActiveSession(c.clientID)
	if sid == "" {
		return nil
	}
	if !h.sessions.ValidateSession(ctx, sid, token) {
		if _, err := h.sessions.Get(ctx, sid); errors.Is(err, sessions.ErrSessionNotFound) {
			_ = h.contexts.SetActiveSession(c.clientID, "")
		}
		h.log.WarnContext(ctx, "host.route.authentication_failed", slog.String("session_id", sid))
		h.bus.Publish(events.AuthenticationFailed, map[string]any{
			"client_id":  c.clientID,
			"session_id": sid,
			"reason":     "invalid session",
		})
		return jsonrpc.NewError(jsonrpc.ErrorCodeAuthenticationFailed, "authentication failed", map[string]string{"session_id": sid})
	}
	sess, err := h.sessions.Get(ctx, sid)
	if err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeAuthenticationFailed, "authentication failed", map[string]string{"session_id": sid})
	}
	c.session = sess
	return nil
}

// admit runs the per-request authorization and consent checks. On success
// the client's context records the activity.
func (h *Host) admit(ctx context.Context, srv *registry.ServerDescriptor, c *caller, req *jsonrpc.Request) (consent.Level, *jsonrpc.Error) {
	dangerous := h.isDangerous(srv, req)
	required := consent.RequiredLevel(req.Method, dangerous)

	switch {
	case c.session != nil:
		if !h.authz.Authorize(ctx, c.clientID, c.session.ID, req.Method) {
			return required, jsonrpc.NewError(jsonrpc.ErrorCodeAuthorizationFailed, "permission denied", map[string]string{
				"operation":           req.Method,
				"role":                string(c.session.Role),
				"required_permission": string(authz.RequiredPermission(req.Method)),
			})
		}
	case h.requireAuth && required > consent.ReadOnly:
		h.log.WarnContext(ctx, "host.route.authentication_required", slog.String("required_level", required.String()))
		h.bus.Publish(events.AuthenticationFailed, map[string]any{
			"client_id": c.clientID,
			"server_id": srv.ID,
			"operation": req.Method,
			"reason":    "authentication required",
		})
		return required, jsonrpc.NewError(jsonrpc.ErrorCodeAuthenticationFailed, "authentication required", map[string]string{
			"operation":      req.Method,
			"required_level": required.String(),
		})
	}

	if c.clientID != "" {
		d := h.consent.Evaluate(ctx, c.clientID, srv.ID, req.Method, dangerous)
		if !d.Allowed {
			return required, jsonrpc.NewError(jsonrpc.ErrorCodeConsentRequired, "consent required", map[string]string{
				"operation":      req.Method,
				"server_id":      srv.ID,
				"required_level": d.Required.String(),
				"granted_level":  d.Best.String(),
			})
		}
		h.contexts.Touch(c.clientID, srv.ID)
	}
	return required, nil
}

// isDangerous reports whether req executes a tool flagged dangerous by the
// server or host-wide.
func (h *Host) isDangerous(srv *registry.ServerDescriptor, req *jsonrpc.Request) bool {
	if req.Method != MethodToolsExecute && req.Method != MethodToolsCall {
		return false
	}
	var p struct {
		Name string `json:"name"`
	}
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &p) != nil || p.Name == "" {
		return false
	}
	if _, ok := h.dangerous[p.Name]; ok {
		return true
	}
	return srv.DangerousTool(p.Name)
}

// forward calls the server outside of any lock and validates what comes
// back. Notifications yield nil.
func (h *Host) forward(ctx context.Context, srv *registry.ServerDescriptor, c *caller, req *jsonrpc.Request, ac *endpoint.AuthContext) *jsonrpc.Response {
	var progress endpoint.ProgressFunc
	if srv.Capabilities.Progress && c.client != nil && c.client.Info.SupportsProgress() {
		progress = h.progressRelay(srv.ID, c.client)
	}

	callCtx, cancel := h.callContext(ctx)
	defer cancel()
	res, err := await(callCtx, func(ctx context.Context) (*jsonrpc.Response, error) {
		return srv.Handle.HandleRequest(ctx, req, ac, progress)
	})
	if err != nil {
		return h.downstreamError(ctx, req.ID, err)
	}
	if req.IsNotification() {
		return nil
	}
	if err := jsonrpc.ValidateResponse(res, req.ID); err != nil {
		h.log.ErrorContext(ctx, "host.route.invalid_response", slog.String("err", err.Error()))
		return jsonrpc.NewCategorizedError(req.ID, jsonrpc.ErrorCodeInternalError, "invalid response from server", nil)
	}
	return res
}

func (h *Host) downstreamError(ctx context.Context, id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	h.log.ErrorContext(ctx, "host.route.downstream_failed", slog.String("err", err.Error()))
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewCategorizedError(id, jsonrpc.ErrorCodeTimeout, "server call timed out", nil)
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewCategorizedError(id, jsonrpc.ErrorCodeInternalError, "request cancelled", nil)
	default:
		return jsonrpc.NewCategorizedError(id, jsonrpc.ErrorCodeInternalError, "server failed to handle request", nil)
	}
}

func (h *Host) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.callTimeout > 0 {
		return context.WithTimeout(ctx, h.callTimeout)
	}
	return context.WithCancel(ctx)
}

// await runs fn in its own goroutine so that a server ignoring cancellation
// still cannot hold the caller past ctx. A panic in fn becomes an error.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("%w: %v", errServerPanic, r)}
			}
		}()
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type progressParams struct {
	ServerID string `json:"serverId"`
	endpoint.ProgressUpdate
}

// progressRelay delivers server progress to the client as progress/update
// notifications. Delivery failures are logged and never reach the server.
func (h *Host) progressRelay(serverID string, client *registry.ClientDescriptor) endpoint.ProgressFunc {
	return func(ctx context.Context, u endpoint.ProgressUpdate) {
		defer func() {
			if r := recover(); r != nil {
				h.log.WarnContext(ctx, "host.progress.panic", slog.String("client_id", client.ID), slog.Any("panic", r))
			}
		}()
		n, err := jsonrpc.NewNotification(MethodProgressUpdate, progressParams{ServerID: serverID, ProgressUpdate: u})
		if err != nil {
			h.log.WarnContext(ctx, "host.progress.encode_failed", slog.String("err", err.Error()))
			return
		}
		if err := client.Handle.HandleProgressNotification(ctx, n); err != nil {
			h.log.WarnContext(ctx, "host.progress.dropped", slog.String("client_id", client.ID), slog.String("err", err.Error()))
		}
	}
}

// trackSubscription mirrors a successful subscribe or unsubscribe into the
// client's context.
func (h *Host) trackSubscription(ctx context.Context, serverID, clientID string, req *jsonrpc.Request) {
	if clientID == "" || (req.Method != MethodResourcesSubscribe && req.Method != MethodResourcesUnsubscribe) {
		return
	}
	var p struct {
		URI string `json:"uri"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}
	if p.URI == "" {
		h.log.WarnContext(ctx, "host.subscription.missing_uri")
		return
	}

	if req.Method == MethodResourcesUnsubscribe {
		if s, ok := h.contexts.FindSubscription(clientID, serverID, p.URI); ok {
			if s, ok := h.contexts.RemoveSubscription(s.ID); ok {
				h.publishSubscriptionRemoved(s, "unsubscribed")
			}
		}
		return
	}

	s, err := h.contexts.AddSubscription(clientID, serverID, p.URI)
	if err != nil {
		h.log.WarnContext(ctx, "host.subscription.orphaned", slog.String("uri", p.URI), slog.String("err", err.Error()))
		return
	}
	h.log.DebugContext(ctx, "host.subscription.created", slog.String("subscription_id", s.ID), slog.String("uri", s.URI))
	h.bus.Publish(events.SubscriptionCreated, map[string]any{
		"subscription_id": s.ID,
		"client_id":       s.ClientID,
		"server_id":       s.ServerID,
		"uri":             s.URI,
	})
}

func errorResponse(id *jsonrpc.RequestID, e *jsonrpc.Error) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: e, ID: id}
}
