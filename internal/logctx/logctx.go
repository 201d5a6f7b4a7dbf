// Package logctx carries routing details in a context so that every log line
// emitted while handling a call is correlated without threading loggers
// through each function.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the route, session and HTTP data found in
// the context.
type Handler struct {
	slog.Handler
}

// Wrap returns h decorated with context attributes. Wrapping twice is a no-op.
func Wrap(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if rt, ok := ctx.Value(routeKey{}).(*Route); ok {
		r.AddAttrs(slog.Group("route",
			slog.String("server_id", rt.ServerID),
			slog.String("client_id", rt.ClientID),
			slog.String("method", rt.Method),
			slog.String("id", rt.ID),
			slog.String("type", rt.Type),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("username", sd.Username),
			slog.String("role", sd.Role),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type routeKey struct{}

// Route describes a single routed JSON-RPC message.
type Route struct {
	ServerID string
	ClientID string
	Method   string
	ID       string
	Type     string // "request", "notification" or "batch"
}

func WithRoute(ctx context.Context, rt *Route) context.Context {
	return context.WithValue(ctx, routeKey{}, rt)
}

type requestDataKey struct{}

// RequestData describes the inbound HTTP request, when there is one.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData describes the session a call is made under.
type SessionData struct {
	SessionID string
	Username  string
	Role      string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
