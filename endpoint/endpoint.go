// Package endpoint defines the contracts the host uses to talk to the
// capability providers (servers) and front-end agents (clients) it brokers
// between. Implementations are supplied at registration time; the host never
// probes them for optional methods.
package endpoint

import (
	"context"
	"errors"

	"github.com/ggoodman/mcp-host-go/jsonrpc"
)

// ErrBatchUnsupported is returned by servers that do not accept batches.
var ErrBatchUnsupported = errors.New("batch requests not supported")

// AuthContext is a read-only snapshot of who is calling, handed to servers
// alongside each forwarded request.
type AuthContext struct {
	ClientID      string
	SessionID     string
	Username      string
	Role          string
	Permissions   []string
	ConsentLevel  string
	Authenticated bool
}

// ProgressUpdate is a single progress report emitted by a server while it
// works on a request.
type ProgressUpdate struct {
	Token    any     `json:"progressToken,omitempty"`
	Progress float64 `json:"progress"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ProgressFunc relays progress for the request currently being handled.
// Delivery is best-effort; it never reports failure to the server.
type ProgressFunc func(ctx context.Context, update ProgressUpdate)

// Server is the handle of a running capability provider.
type Server interface {
	// HandleRequest processes a single request or notification. For
	// notifications the returned response is ignored. progress is nil when
	// the caller cannot receive progress updates.
	HandleRequest(ctx context.Context, req *jsonrpc.Request, auth *AuthContext, progress ProgressFunc) (*jsonrpc.Response, error)

	// HandleBatchRequest processes a batch atomically and returns one
	// response per non-notification request. Servers that do not declare
	// the batch capability may return ErrBatchUnsupported.
	HandleBatchRequest(ctx context.Context, reqs []*jsonrpc.Request, auth *AuthContext) ([]*jsonrpc.Response, error)
}

// Client is the handle of a connected front-end agent.
type Client interface {
	HandleProgressNotification(ctx context.Context, notification *jsonrpc.Request) error
}

// ServerFunc adapts a function to the Server interface for providers that do
// not support batches.
type ServerFunc func(ctx context.Context, req *jsonrpc.Request, auth *AuthContext, progress ProgressFunc) (*jsonrpc.Response, error)

// HandleRequest calls f.
func (f ServerFunc) HandleRequest(ctx context.Context, req *jsonrpc.Request, auth *AuthContext, progress ProgressFunc) (*jsonrpc.Response, error) {
	return f(ctx, req, auth, progress)
}

// HandleBatchRequest always returns ErrBatchUnsupported.
func (f ServerFunc) HandleBatchRequest(ctx context.Context, reqs []*jsonrpc.Request, auth *AuthContext) ([]*jsonrpc.Response, error) {
	return nil, ErrBatchUnsupported
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, notification *jsonrpc.Request) error

// HandleProgressNotification calls f.
func (f ClientFunc) HandleProgressNotification(ctx context.Context, notification *jsonrpc.Request) error {
	return f(ctx, notification)
}
