// Package hosthttp exposes a Host over plain HTTP. Each POST carries one
// JSON-RPC message or batch for a single server; the response body is the
// routed reply. Sessions are opened and closed through a small REST surface.
//
//	POST   /v1/sessions                open a session
//	DELETE /v1/sessions/{id}           end a session (bearer token required)
//	GET    /v1/servers                 list registered servers
//	POST   /v1/servers/{server}/rpc    route a JSON-RPC message or batch
//
// The calling client is named by the Mcp-Client-Id header and the session
// token travels as a Bearer credential.
package hosthttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-host-go/host"
	"github.com/ggoodman/mcp-host-go/internal/logctx"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/ggoodman/mcp-host-go/sessions"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ClientIDHeader names the calling client.
const ClientIDHeader = "Mcp-Client-Id"

const (
	defaultMaxBody     = 4 << 20
	defaultLimiterSize = 4096
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Host is the subset of *host.Host the handler serves.
type Host interface {
	RouteRaw(ctx context.Context, serverID string, raw []byte, clientID, authToken string) ([]byte, error)
	Authenticate(ctx context.Context, clientID, username, credentials string, role sessions.Role) (*sessions.Session, error)
	EndSession(ctx context.Context, sessionID, token string) bool
	ListServers() []string
	Server(id string) (*registry.ServerDescriptor, bool)
}

var _ Host = (*host.Host)(nil)

// Option configures a Handler.
type Option func(*config)

type config struct {
	logger  *slog.Logger
	limit   rate.Limit
	burst   int
	maxBody int64
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRateLimit caps each client at rps requests per second with the given
// burst. Requests without a client id share a bucket per remote address.
// A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config) {
		c.limit = rate.Limit(rps)
		c.burst = max(burst, 1)
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// Handler is an http.Handler serving a Host.
type Handler struct {
	host     Host
	log      *slog.Logger
	mux      *http.ServeMux
	maxBody  int64
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[string, *rate.Limiter]
}

// New builds a Handler for h.
func New(h Host, opts ...Option) (*Handler, error) {
	if h == nil {
		return nil, errors.New("host is required")
	}
	cfg := config{logger: slog.New(slog.DiscardHandler), maxBody: defaultMaxBody}
	for _, opt := range opts {
		opt(&cfg)
	}

	hh := &Handler{
		host:    h,
		log:     slog.New(logctx.Wrap(cfg.logger.Handler())),
		maxBody: cfg.maxBody,
		limit:   cfg.limit,
		burst:   cfg.burst,
	}
	if hh.limit > 0 {
		c, err := lru.New[string, *rate.Limiter](defaultLimiterSize)
		if err != nil {
			return nil, err
		}
		hh.limiters = c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/servers/{server}/rpc", hh.handleRPC)
	mux.HandleFunc("GET /v1/servers", hh.handleListServers)
	mux.HandleFunc("POST /v1/sessions", hh.handleLogin)
	mux.HandleFunc("DELETE /v1/sessions/{id}", hh.handleLogout)
	hh.mux = mux
	return hh, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	serverID := r.PathValue("server")
	clientID := r.Header.Get(ClientIDHeader)

	if !h.allow(clientID, r.RemoteAddr) {
		h.log.WarnContext(ctx, "http.rpc.rate_limited", slog.String("client_id", clientID))
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !isJSON(r) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	out, err := h.host.RouteRaw(ctx, serverID, body, clientID, bearerToken(r))
	if err != nil {
		h.log.ErrorContext(ctx, "http.rpc.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "routing failed")
		return
	}
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.DebugContext(ctx, "http.rpc.accepted", slog.Duration("dur", time.Since(start)))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	h.log.DebugContext(ctx, "http.rpc.ok", slog.Duration("dur", time.Since(start)))
}

type serverSummary struct {
	ID           string                `json:"id"`
	Name         string                `json:"name,omitempty"`
	Version      string                `json:"version,omitempty"`
	Capabilities registry.Capabilities `json:"capabilities"`
}

func (h *Handler) handleListServers(w http.ResponseWriter, r *http.Request) {
	ids := h.host.ListServers()
	out := make([]serverSummary, 0, len(ids))
	for _, id := range ids {
		d, ok := h.host.Server(id)
		if !ok {
			continue
		}
		out = append(out, serverSummary{ID: d.ID, Name: d.Info.Name, Version: d.Info.Version, Capabilities: d.Capabilities})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

type loginRequest struct {
	Username    string `json:"username"`
	Credentials string `json:"credentials"`
	Role        string `json:"role,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}

type loginResponse struct {
	SessionID  string    `json:"session_id"`
	Token      string    `json:"token"`
	Role       string    `json:"role"`
	Expiration time.Time `json:"expiration"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !isJSON(r) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req loginRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var role sessions.Role
	if req.Role != "" {
		parsed, err := sessions.ParseRole(req.Role)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = parsed
	}

	sess, err := h.host.Authenticate(ctx, req.ClientID, req.Username, req.Credentials, role)
	switch {
	case err == nil:
	case errors.Is(err, host.ErrValidation), errors.Is(err, sessions.ErrInvalidRole):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, sessions.ErrAuthenticationFailed):
		h.log.InfoContext(ctx, "http.login.rejected", slog.String("username", req.Username))
		writeJSONError(w, http.StatusUnauthorized, "authentication failed")
		return
	default:
		h.log.ErrorContext(ctx, "http.login.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	h.log.InfoContext(ctx, "http.login.ok", slog.String("session_id", sess.ID), slog.String("client_id", req.ClientID))
	writeJSON(w, http.StatusCreated, loginResponse{
		SessionID:  sess.ID,
		Token:      sess.Token,
		Role:       string(sess.Role),
		Expiration: sess.Expiration,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	tok := bearerToken(r)
	if tok == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	if !h.host.EndSession(r.Context(), r.PathValue("id"), tok) {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) allow(clientID, remote string) bool {
	if h.limiters == nil {
		return true
	}
	key := "client:" + clientID
	if clientID == "" {
		key = "addr:" + remote
	}
	l, ok := h.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		if prev, found, _ := h.limiters.PeekOrAdd(key, l); found {
			l = prev
		}
	}
	return l.Allow()
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	return b, true
}

func isJSON(r *http.Request) bool {
	ct, err := contenttype.GetMediaType(r)
	return err == nil && ct.Matches(jsonMediaType)
}

func bearerToken(r *http.Request) string {
	scheme, tok, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
