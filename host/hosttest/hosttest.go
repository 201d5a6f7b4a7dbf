// Package hosttest provides recording server and client handles for tests
// of code built on the host package.
package hosttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
)

// HandlerFunc answers a single request.
type HandlerFunc func(ctx context.Context, req *jsonrpc.Request, auth *endpoint.AuthContext, progress endpoint.ProgressFunc) (*jsonrpc.Response, error)

// BatchFunc answers a batch.
type BatchFunc func(ctx context.Context, reqs []*jsonrpc.Request, auth *endpoint.AuthContext) ([]*jsonrpc.Response, error)

// Server records every call it receives. With no handler set it echoes the
// method and params of each request back as the result.
type Server struct {
	Handler HandlerFunc
	// Batch handles batches. When nil each request is answered by Handler
	// and the responses are returned together.
	Batch BatchFunc

	mu       sync.Mutex
	requests []*jsonrpc.Request
	batches  [][]*jsonrpc.Request
	auths    []*endpoint.AuthContext
}

// NewServer returns an echoing server.
func NewServer() *Server { return &Server{} }

func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request, auth *endpoint.AuthContext, progress endpoint.ProgressFunc) (*jsonrpc.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.auths = append(s.auths, auth)
	h := s.Handler
	s.mu.Unlock()

	if h == nil {
		return Echo(req)
	}
	return h(ctx, req, auth, progress)
}

func (s *Server) HandleBatchRequest(ctx context.Context, reqs []*jsonrpc.Request, auth *endpoint.AuthContext) ([]*jsonrpc.Response, error) {
	s.mu.Lock()
	s.batches = append(s.batches, reqs)
	s.auths = append(s.auths, auth)
	b, h := s.Batch, s.Handler
	s.mu.Unlock()

	if b != nil {
		return b(ctx, reqs, auth)
	}
	out := make([]*jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		var (
			res *jsonrpc.Response
			err error
		)
		if h == nil {
			res, err = Echo(req)
		} else {
			res, err = h(ctx, req, auth, nil)
		}
		if err != nil {
			return nil, err
		}
		if !req.IsNotification() {
			out = append(out, res)
		}
	}
	return out, nil
}

// Requests returns the single requests received so far.
func (s *Server) Requests() []*jsonrpc.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*jsonrpc.Request(nil), s.requests...)
}

// Batches returns the batches received so far.
func (s *Server) Batches() [][]*jsonrpc.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*jsonrpc.Request(nil), s.batches...)
}

// AuthContexts returns the auth snapshots passed with each call.
func (s *Server) AuthContexts() []*endpoint.AuthContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*endpoint.AuthContext(nil), s.auths...)
}

// EchoResult is the result produced by Echo.
type EchoResult struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Echo answers req with its own method and params.
func Echo(req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if req.IsNotification() {
		return nil, nil
	}
	return jsonrpc.NewResultResponse(req.ID, EchoResult{Method: req.Method, Params: req.Params})
}

// Client records progress notifications. Err, when set, is returned from
// every delivery.
type Client struct {
	Err error

	mu    sync.Mutex
	notes []*jsonrpc.Request
}

// NewClient returns a recording client.
func NewClient() *Client { return &Client{} }

func (c *Client) HandleProgressNotification(ctx context.Context, n *jsonrpc.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return c.Err
}

// Notifications returns the notifications delivered so far.
func (c *Client) Notifications() []*jsonrpc.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*jsonrpc.Request(nil), c.notes...)
}

// ServerInfo builds server info declaring the named capabilities true and
// the rest of tools and resources false, with one metadata entry for each
// declared primitive.
func ServerInfo(name string, caps ...string) registry.ServerInfo {
	info := registry.ServerInfo{
		Name:    name,
		Version: "test",
		Capabilities: map[string]any{
			registry.CapTools:     false,
			registry.CapResources: false,
		},
	}
	for _, c := range caps {
		info.Capabilities[c] = true
		switch c {
		case registry.CapTools:
			info.Tools = []registry.ToolInfo{{Name: "echo", Description: "echoes its input"}}
		case registry.CapResources:
			info.Resources = []registry.ResourceInfo{{URI: "file:///readme", Name: "readme"}}
		case registry.CapPrompts:
			info.Prompts = []registry.PromptInfo{{Name: "greet"}}
		}
	}
	return info
}

// MustRequest builds a request or panics.
func MustRequest(id any, method string, params any) *jsonrpc.Request {
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		panic(err)
	}
	return req
}
