package sdkserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeSession struct {
	called     []string
	subscribed []string
	noPrompts  bool
}

func (f *fakeSession) ListTools(ctx context.Context, p *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	f.called = append(f.called, "ListTools")
	return &mcp.ListToolsResult{Tools: []*mcp.Tool{{Name: "search", Description: "find things"}}}, nil
}

func (f *fakeSession) CallTool(ctx context.Context, p *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.called = append(f.called, "CallTool:"+p.Name)
	if p.Name == "broken" {
		return nil, errors.New("upstream exploded")
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func (f *fakeSession) ListResources(ctx context.Context, p *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	return &mcp.ListResourcesResult{Resources: []*mcp.Resource{{URI: "file:///a", Name: "a"}}}, nil
}

func (f *fakeSession) ReadResource(ctx context.Context, p *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	f.called = append(f.called, "ReadResource:"+p.URI)
	return &mcp.ReadResourceResult{}, nil
}

func (f *fakeSession) Subscribe(ctx context.Context, p *mcp.SubscribeParams) error {
	f.subscribed = append(f.subscribed, p.URI)
	return nil
}

func (f *fakeSession) Unsubscribe(ctx context.Context, p *mcp.UnsubscribeParams) error {
	f.subscribed = append(f.subscribed, "-"+p.URI)
	return nil
}

func (f *fakeSession) ListPrompts(ctx context.Context, p *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	if f.noPrompts {
		return nil, errors.New("method not found")
	}
	return &mcp.ListPromptsResult{Prompts: []*mcp.Prompt{{Name: "greet"}}}, nil
}

func (f *fakeSession) GetPrompt(ctx context.Context, p *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func request(t *testing.T, id any, method string, params any) *jsonrpc.Request {
	t.Helper()
	var rid *jsonrpc.RequestID
	if id != nil {
		rid = jsonrpc.NewRequestID(id)
	}
	req, err := jsonrpc.NewRequest(rid, method, params)
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func TestHandleRequestDispatch(t *testing.T) {
	fs := &fakeSession{}
	s := New(fs, nil)
	ctx := context.Background()

	res, err := s.HandleRequest(ctx, request(t, 1, "tools/execute", map[string]any{"name": "search", "arguments": map[string]any{"q": "x"}}), nil, nil)
	if err != nil || res.Error != nil {
		t.Fatalf("tools/execute = %+v, %v", res, err)
	}
	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(res.Result, &out); err != nil || len(out.Content) != 1 || out.Content[0].Text != "ok" {
		t.Fatalf("result = %s", res.Result)
	}

	if res, _ := s.HandleRequest(ctx, request(t, 2, "resources/read", map[string]string{"uri": "file:///a"}), nil, nil); res.Error != nil {
		t.Fatalf("resources/read error = %+v", res.Error)
	}
	if res, _ := s.HandleRequest(ctx, request(t, 3, "resources/subscribe", map[string]string{"uri": "file:///a"}), nil, nil); res.Error != nil {
		t.Fatalf("resources/subscribe error = %+v", res.Error)
	}
	if res, _ := s.HandleRequest(ctx, request(t, nil, "resources/unsubscribe", map[string]string{"uri": "file:///a"}), nil, nil); res != nil {
		t.Fatalf("notification answered: %+v", res)
	}
	if len(fs.subscribed) != 2 || fs.subscribed[1] != "-file:///a" {
		t.Fatalf("subscribed = %v", fs.subscribed)
	}
}

func TestHandleRequestErrors(t *testing.T) {
	s := New(&fakeSession{}, nil)
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		req  *jsonrpc.Request
		code jsonrpc.ErrorCode
	}{
		{"unknown method", request(t, 1, "system/reboot", nil), jsonrpc.ErrorCodeMethodNotFound},
		{"bad params", request(t, 2, "tools/call", []int{1}), jsonrpc.ErrorCodeInvalidParams},
		{"upstream failure", request(t, 3, "tools/call", map[string]string{"name": "broken"}), jsonrpc.ErrorCodeInternalError},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.HandleRequest(ctx, tc.req, nil, nil)
			if err != nil {
				t.Fatalf("HandleRequest: %v", err)
			}
			if res.Error == nil || res.Error.Code != tc.code || !res.ID.Equal(tc.req.ID) {
				t.Fatalf("response = %+v", res)
			}
		})
	}
}

func TestBatchUnsupported(t *testing.T) {
	s := New(&fakeSession{}, nil)
	if _, err := s.HandleBatchRequest(context.Background(), nil, nil); !errors.Is(err, endpoint.ErrBatchUnsupported) {
		t.Fatalf("HandleBatchRequest err = %v", err)
	}
}

func TestDescribe(t *testing.T) {
	info := Describe(context.Background(), "upstream", "1.0", &fakeSession{noPrompts: true})
	caps, _, err := registry.ValidateServerInfo(info)
	if err != nil {
		t.Fatalf("ValidateServerInfo: %v", err)
	}
	if !caps.Tools || !caps.Resources || caps.Prompts || caps.Batch {
		t.Fatalf("caps = %+v", caps)
	}
	if len(info.Tools) != 1 || info.Tools[0].Name != "search" || len(info.Resources) != 1 {
		t.Fatalf("info = %+v", info)
	}
}
