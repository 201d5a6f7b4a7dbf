// Package sdkserver adapts a client session of the official MCP Go SDK to the
// host's endpoint.Server contract, so that any MCP server reachable through
// an SDK transport (stdio command, streamable HTTP) can be registered with a
// Host.
package sdkserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Session is the part of *mcp.ClientSession the adapter drives.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	Subscribe(ctx context.Context, params *mcp.SubscribeParams) error
	Unsubscribe(ctx context.Context, params *mcp.UnsubscribeParams) error
	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
}

var _ Session = (*mcp.ClientSession)(nil)

// Server forwards host requests to an SDK session.
type Server struct {
	sess Session
	log  *slog.Logger
}

var _ endpoint.Server = (*Server)(nil)

// New wraps sess. A nil logger discards.
func New(sess Session, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{sess: sess, log: log}
}

// HandleRequest decodes req.Params into the SDK parameter type for its
// method, performs the call and encodes the SDK result. SDK errors come back
// as JSON-RPC error responses so that the caller sees the upstream message.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
	result, err := s.dispatch(ctx, req)
	if req.IsNotification() {
		if err != nil {
			s.log.WarnContext(ctx, "sdkserver.notification.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		}
		return nil, nil
	}

	var rpcErr *jsonrpc.Error
	switch {
	case errors.As(err, &rpcErr):
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, ID: req.ID, Error: rpcErr}, nil
	case err != nil:
		s.log.WarnContext(ctx, "sdkserver.call.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil), nil
	}
	return jsonrpc.NewResultResponse(req.ID, result)
}

// HandleBatchRequest always declines; the host falls back to single calls.
func (s *Server) HandleBatchRequest(context.Context, []*jsonrpc.Request, *endpoint.AuthContext) ([]*jsonrpc.Response, error) {
	return nil, endpoint.ErrBatchUnsupported
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case "tools/list":
		return call(ctx, req, s.sess.ListTools)
	case "tools/execute", "tools/call":
		return call(ctx, req, s.sess.CallTool)
	case "resources/list":
		return call(ctx, req, s.sess.ListResources)
	case "resources/read":
		return call(ctx, req, s.sess.ReadResource)
	case "resources/subscribe":
		return call(ctx, req, func(ctx context.Context, p *mcp.SubscribeParams) (struct{}, error) {
			return struct{}{}, s.sess.Subscribe(ctx, p)
		})
	case "resources/unsubscribe":
		return call(ctx, req, func(ctx context.Context, p *mcp.UnsubscribeParams) (struct{}, error) {
			return struct{}{}, s.sess.Unsubscribe(ctx, p)
		})
	case "prompts/list":
		return call(ctx, req, s.sess.ListPrompts)
	case "prompts/get":
		return call(ctx, req, s.sess.GetPrompt)
	default:
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not supported upstream", req.Method), nil)
	}
}

func call[P, R any](ctx context.Context, req *jsonrpc.Request, fn func(context.Context, *P) (R, error)) (any, error) {
	p := new(P)
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, p); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params", map[string]string{"error": err.Error()})
		}
	}
	return fn(ctx, p)
}

// Describe lists the upstream primitives and builds the registration info
// for the session. A primitive kind whose listing fails is declared
// unsupported.
func Describe(ctx context.Context, name, version string, sess Session) registry.ServerInfo {
	info := registry.ServerInfo{
		Name:    name,
		Version: version,
		Capabilities: map[string]any{
			registry.CapTools:         false,
			registry.CapResources:     false,
			registry.CapSubscriptions: false,
			registry.CapPrompts:       false,
			registry.CapBatch:         false,
			registry.CapProgress:      false,
		},
	}
	if res, err := sess.ListTools(ctx, &mcp.ListToolsParams{}); err == nil {
		info.Capabilities[registry.CapTools] = true
		for _, t := range res.Tools {
			info.Tools = append(info.Tools, registry.ToolInfo{Name: t.Name, Description: t.Description})
		}
	}
	if res, err := sess.ListResources(ctx, &mcp.ListResourcesParams{}); err == nil {
		info.Capabilities[registry.CapResources] = true
		info.Capabilities[registry.CapSubscriptions] = true
		for _, r := range res.Resources {
			info.Resources = append(info.Resources, registry.ResourceInfo{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
		}
	}
	if res, err := sess.ListPrompts(ctx, &mcp.ListPromptsParams{}); err == nil {
		info.Capabilities[registry.CapPrompts] = true
		for _, p := range res.Prompts {
			info.Prompts = append(info.Prompts, registry.PromptInfo{Name: p.Name, Description: p.Description})
		}
	}
	return info
}
