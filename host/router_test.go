package host_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/events"
	"github.com/ggoodman/mcp-host-go/host"
	"github.com/ggoodman/mcp-host-go/host/hosttest"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/ggoodman/mcp-host-go/sessions"
)

func category(res *jsonrpc.Response) string {
	if res == nil || res.Error == nil {
		return ""
	}
	return res.Error.Category()
}

func TestConsentRequiredThenGranted(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools, registry.CapResources})
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	req := hosttest.MustRequest(1, "tools/execute", map[string]any{"name": "echo", "arguments": map[string]string{"text": "hi"}})

	res := f.host.RouteRequest(ctx, "S1", req, "c1", sess.Token)
	if got := category(res); got != "ConsentRequired" {
		t.Fatalf("without consent category = %q, want ConsentRequired", got)
	}
	if len(f.server.Requests()) != 0 {
		t.Fatal("denied request reached the server")
	}
	if got := f.events.of(events.ConsentViolation); len(got) != 1 {
		t.Fatalf("consent_violation events = %d, want 1", len(got))
	}

	f.grant(t, "tools/*", consent.Basic)
	res = f.host.RouteRequest(ctx, "S1", req, "c1", sess.Token)
	if res == nil || res.Error != nil {
		t.Fatalf("with consent = %+v", res)
	}
	want, _ := hosttest.Echo(req)
	if string(res.Result) != string(want.Result) {
		t.Fatalf("result = %s, want %s", res.Result, want.Result)
	}
	if !res.ID.Equal(req.ID) {
		t.Fatalf("response id = %v", res.ID)
	}

	auths := f.server.AuthContexts()
	if len(auths) != 1 || auths[0].Username != "alice" || auths[0].ConsentLevel != "BASIC" || !auths[0].Authenticated {
		t.Fatalf("auth context = %+v", auths)
	}
	cc, _ := f.host.ClientContext("c1")
	if len(cc.ConnectedServers) != 1 || cc.ConnectedServers[0] != "S1" {
		t.Fatalf("connected servers = %v", cc.ConnectedServers)
	}
}

func TestRouteRejections(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools})
	ctx := context.Background()

	tests := []struct {
		name     string
		serverID string
		clientID string
		req      *jsonrpc.Request
		want     string
	}{
		{
			name:     "wrong version",
			serverID: "S1",
			req:      &jsonrpc.Request{JSONRPCVersion: "1.0", Method: "tools/list", ID: jsonrpc.NewRequestID(1)},
			want:     "InvalidRequest",
		},
		{
			name:     "array params",
			serverID: "S1",
			req:      &jsonrpc.Request{JSONRPCVersion: "2.0", Method: "tools/list", Params: json.RawMessage(`[1]`), ID: jsonrpc.NewRequestID(1)},
			want:     "InvalidRequest",
		},
		{
			name:     "unknown server",
			serverID: "nope",
			req:      hosttest.MustRequest(1, "tools/list", nil),
			want:     "InvalidParams",
		},
		{
			name:     "unknown client",
			serverID: "S1",
			clientID: "ghost",
			req:      hosttest.MustRequest(1, "tools/list", nil),
			want:     "InvalidParams",
		},
		{
			name:     "undeclared capability",
			serverID: "S1",
			req:      hosttest.MustRequest(1, "prompts/list", nil),
			want:     "CapabilityNotSupported",
		},
		{
			name:     "anonymous execute",
			serverID: "S1",
			req:      hosttest.MustRequest(1, "tools/execute", map[string]string{"name": "echo"}),
			want:     "AuthenticationFailed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.host.RouteRequest(ctx, tt.serverID, tt.req, tt.clientID, "")
			if got := category(res); got != tt.want {
				t.Fatalf("category = %q, want %q", got, tt.want)
			}
		})
	}
	if n := len(f.server.Requests()); n != 0 {
		t.Fatalf("%d rejected requests reached the server", n)
	}
}

func TestAnonymousReadOnly(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools}, host.WithDefaultConsentLevel(consent.ReadOnly))
	ctx := context.Background()

	res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "tools/list", nil), "c1", "")
	if res == nil || res.Error != nil {
		t.Fatalf("anonymous tools/list = %+v", res)
	}
	res = f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(2, "tools/execute", map[string]string{"name": "echo"}), "c1", "")
	if got := category(res); got != "AuthenticationFailed" {
		t.Fatalf("anonymous tools/execute category = %q", got)
	}
	if got := f.events.of(events.AuthenticationFailed); len(got) != 1 {
		t.Fatalf("authentication_failed events = %d", len(got))
	}
}

func TestRequireAuthenticationDisabled(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools}, host.WithRequireAuthentication(false))
	res := f.host.RouteRequest(context.Background(), "S1", hosttest.MustRequest(1, "tools/execute", map[string]string{"name": "echo"}), "", "")
	if res == nil || res.Error != nil {
		t.Fatalf("tools/execute without client = %+v", res)
	}
}

func TestAuthorizationViolation(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools, registry.CapResources})
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	f.grant(t, "*", consent.Full)

	res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "system/shutdown", nil), "c1", sess.Token)
	if got := category(res); got != "AuthorizationFailed" {
		t.Fatalf("category = %q, want AuthorizationFailed", got)
	}
	v := f.host.Violations()
	if len(v) != 1 || v[0].Operation != "system/shutdown" || v[0].RequiredPermission != sessions.PermAdmin || v[0].ClientID != "c1" {
		t.Fatalf("Violations() = %+v", v)
	}
	if got := f.events.of(events.AuthorizationViolation); len(got) != 1 {
		t.Fatalf("authorization_violation events = %d", len(got))
	}
}

func TestSessionValidationOnRoute(t *testing.T) {
	clock := newFakeClock()
	f := newFixture(t, []string{registry.CapTools}, host.WithClock(clock.Now), host.WithTokenLifetime(time.Minute))
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	f.grant(t, "tools/*", consent.Basic)
	req := hosttest.MustRequest(1, "tools/execute", map[string]string{"name": "echo"})

	if got := category(f.host.RouteRequest(ctx, "S1", req, "c1", "forged")); got != "AuthenticationFailed" {
		t.Fatalf("forged token category = %q", got)
	}
	cc, _ := f.host.ClientContext("c1")
	if cc.ActiveSessionID != sess.ID {
		t.Fatal("a forged token must not unbind the live session")
	}

	// Each validated call slides the expiration past the original deadline.
	for range 3 {
		clock.Advance(50 * time.Second)
		if res := f.host.RouteRequest(ctx, "S1", req, "c1", sess.Token); res.Error != nil {
			t.Fatalf("sliding session rejected: %+v", res.Error)
		}
	}

	clock.Advance(2 * time.Minute)
	if got := category(f.host.RouteRequest(ctx, "S1", req, "c1", sess.Token)); got != "AuthenticationFailed" {
		t.Fatalf("expired session category = %q", got)
	}
	cc, _ = f.host.ClientContext("c1")
	if cc.ActiveSessionID != "" {
		t.Fatal("expired session still bound to the client")
	}
}

func TestDangerousTools(t *testing.T) {
	h := host.New(host.WithDangerousTools("rm"))
	ctx := context.Background()
	info := hosttest.ServerInfo("s1", registry.CapTools)
	info.Tools = append(info.Tools, registry.ToolInfo{Name: "format_disk", Dangerous: true})
	if err := h.RegisterServer(ctx, "S1", info, hosttest.NewServer()); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	h.RegisterClient(ctx, "c1", registry.ClientInfo{}, hosttest.NewClient())
	sess, _ := h.Authenticate(ctx, "c1", "alice", "pw", sessions.RoleUser)
	h.RegisterConsent(ctx, "c1", "S1", "tools/*", consent.Basic, nil)

	run := func(tool string) string {
		return category(h.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "tools/execute", map[string]string{"name": tool}), "c1", sess.Token))
	}
	if got := run("echo"); got != "" {
		t.Fatalf("echo category = %q", got)
	}
	for _, tool := range []string{"format_disk", "rm"} {
		if got := run(tool); got != "ConsentRequired" {
			t.Fatalf("%s with BASIC consent category = %q", tool, got)
		}
	}
	h.RegisterConsent(ctx, "c1", "S1", "tools/execute", consent.Elevated, nil)
	if got := run("format_disk"); got != "" {
		t.Fatalf("format_disk with ELEVATED consent category = %q", got)
	}
}

func TestNotificationsYieldNoResponse(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools})
	ctx := context.Background()

	if res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(nil, "tools/list", nil), "", ""); res != nil {
		t.Fatalf("notification response = %+v", res)
	}
	if res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(nil, "tools/execute", nil), "", ""); res != nil {
		t.Fatalf("denied notification response = %+v", res)
	}
	if n := len(f.server.Requests()); n != 1 {
		t.Fatalf("server saw %d notifications, want 1", n)
	}
	bad := &jsonrpc.Request{JSONRPCVersion: "2.0"}
	if got := category(f.host.RouteRequest(ctx, "S1", bad, "", "")); got != "InvalidRequest" {
		t.Fatalf("malformed notification category = %q", got)
	}
}

func TestDownstreamFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler hosttest.HandlerFunc
		want    string
	}{
		{
			name: "mismatched id",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				return jsonrpc.NewResultResponse(jsonrpc.NewRequestID("other"), "x")
			},
			want: "InternalError",
		},
		{
			name: "result and error",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				return &jsonrpc.Response{JSONRPCVersion: "2.0", ID: req.ID, Result: json.RawMessage(`1`), Error: &jsonrpc.Error{Code: 1}}, nil
			},
			want: "InternalError",
		},
		{
			name: "nil response",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				return nil, nil
			},
			want: "InternalError",
		},
		{
			name: "error",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				return nil, errors.New("boom")
			},
			want: "InternalError",
		},
		{
			name: "panic",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				panic("kaboom")
			},
			want: "InternalError",
		},
		{
			name: "hangs",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			want: "Timeout",
		},
		{
			name: "tool error passes through",
			handler: func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
				return jsonrpc.NewCategorizedError(req.ID, jsonrpc.ErrorCodeToolError, "tool failed", nil), nil
			},
			want: "ToolError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []string{registry.CapTools}, host.WithCallTimeout(20*time.Millisecond))
			f.server.Handler = tt.handler
			res := f.host.RouteRequest(context.Background(), "S1", hosttest.MustRequest(7, "tools/list", nil), "", "")
			if got := category(res); got != tt.want {
				t.Fatalf("category = %q, want %q", got, tt.want)
			}
			if !res.ID.Equal(jsonrpc.NewRequestID(7)) {
				t.Fatalf("error response id = %v", res.ID)
			}
		})
	}
}

func TestCallerDeadline(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools}, host.WithCallTimeout(0))
	release := make(chan struct{})
	defer close(release)
	f.server.Handler = func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, _ endpoint.ProgressFunc) (*jsonrpc.Response, error) {
		<-release
		return hosttest.Echo(req)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "tools/list", nil), "", "")
	if got := category(res); got != "Timeout" {
		t.Fatalf("category = %q, want Timeout", got)
	}
}

func TestProgressRelay(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools, registry.CapProgress})
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	f.grant(t, "tools/*", consent.Basic)
	f.client.Err = errors.New("client went away")

	f.server.Handler = func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, progress endpoint.ProgressFunc) (*jsonrpc.Response, error) {
		if progress == nil {
			return nil, errors.New("no progress callback")
		}
		progress(ctx, endpoint.ProgressUpdate{Token: "tok", Progress: 1, Total: 2})
		progress(ctx, endpoint.ProgressUpdate{Token: "tok", Progress: 2, Total: 2, Message: "done"})
		return hosttest.Echo(req)
	}

	res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "tools/execute", map[string]string{"name": "echo"}), "c1", sess.Token)
	if res == nil || res.Error != nil {
		t.Fatalf("progress delivery failure leaked into the response: %+v", res)
	}

	notes := f.client.Notifications()
	if len(notes) != 2 {
		t.Fatalf("client got %d notifications, want 2", len(notes))
	}
	var p struct {
		ServerID string  `json:"serverId"`
		Token    string  `json:"progressToken"`
		Progress float64 `json:"progress"`
		Message  string  `json:"message"`
	}
	if err := json.Unmarshal(notes[1].Params, &p); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if notes[1].Method != host.MethodProgressUpdate || !notes[1].IsNotification() || p.ServerID != "S1" || p.Token != "tok" || p.Progress != 2 || p.Message != "done" {
		t.Fatalf("notification = %s %s", notes[1].Method, notes[1].Params)
	}
}

func TestNoProgressWithoutCapability(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools}, host.WithDefaultConsentLevel(consent.ReadOnly))
	var got endpoint.ProgressFunc
	f.server.Handler = func(ctx context.Context, req *jsonrpc.Request, _ *endpoint.AuthContext, progress endpoint.ProgressFunc) (*jsonrpc.Response, error) {
		got = progress
		return hosttest.Echo(req)
	}
	f.host.RouteRequest(context.Background(), "S1", hosttest.MustRequest(1, "tools/list", nil), "c1", "")
	if got != nil {
		t.Fatal("progress callback offered by a server without the progress capability")
	}
}

func TestUnsubscribeRemovesSubscription(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools, registry.CapResources, registry.CapSubscriptions})
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	f.grant(t, "resources/*", consent.Basic)
	params := map[string]string{"uri": "file:///a"}

	f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "resources/subscribe", params), "c1", sess.Token)
	if n := len(f.host.Subscriptions("c1")); n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}
	f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(2, "resources/unsubscribe", params), "c1", sess.Token)
	if n := len(f.host.Subscriptions("c1")); n != 0 {
		t.Fatalf("subscriptions after unsubscribe = %d", n)
	}
	if got := f.events.of(events.SubscriptionRemoved); len(got) != 1 || got[0].Data["reason"] != "unsubscribed" {
		t.Fatalf("subscription_removed events = %+v", got)
	}
}

func TestFailClosedUnknownOperation(t *testing.T) {
	f := newFixture(t, []string{registry.CapTools})
	ctx := context.Background()
	sess := f.login(t, sessions.RoleUser)
	f.grant(t, "*", consent.Elevated)

	res := f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(1, "mystery/op", nil), "c1", sess.Token)
	if got := category(res); got != "AuthorizationFailed" {
		t.Fatalf("USER on unknown operation category = %q", got)
	}
	if err := f.host.AssignRole(ctx, sess.ID, sessions.RoleAdmin); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	res = f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(2, "mystery/op", nil), "c1", sess.Token)
	if got := category(res); got != "ConsentRequired" {
		t.Fatalf("ADMIN with ELEVATED consent category = %q", got)
	}
	f.grant(t, "mystery/op", consent.Full)
	res = f.host.RouteRequest(ctx, "S1", hosttest.MustRequest(3, "mystery/op", nil), "c1", sess.Token)
	if res.Error != nil {
		t.Fatalf("ADMIN with FULL consent = %+v", res.Error)
	}
}
