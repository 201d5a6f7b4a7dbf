package hosthttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/mcp-host-go/consent"
	"github.com/ggoodman/mcp-host-go/host"
	"github.com/ggoodman/mcp-host-go/host/hosttest"
	"github.com/ggoodman/mcp-host-go/hosthttp"
	"github.com/ggoodman/mcp-host-go/jsonrpc"
	"github.com/ggoodman/mcp-host-go/registry"
)

func newServer(t *testing.T, opts ...hosthttp.Option) (*httptest.Server, *host.Host) {
	t.Helper()
	h := host.New()
	ctx := context.Background()
	if err := h.RegisterServer(ctx, "S1", hosttest.ServerInfo("s1", registry.CapTools, registry.CapBatch), hosttest.NewServer()); err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}
	if err := h.RegisterClient(ctx, "c1", registry.ClientInfo{Name: "agent"}, hosttest.NewClient()); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	hh, err := hosthttp.New(h, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(hh)
	t.Cleanup(srv.Close)
	return srv, h
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(hosthttp.ClientIDHeader, "c1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

type login struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Role      string `json:"role"`
}

func TestLoginRouteLogout(t *testing.T) {
	srv, h := newServer(t)

	res := do(t, http.MethodPost, srv.URL+"/v1/sessions", "", `{"username":"alice","credentials":"secret","client_id":"c1"}`)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("login status = %d", res.StatusCode)
	}
	var l login
	if err := json.NewDecoder(res.Body).Decode(&l); err != nil {
		t.Fatal(err)
	}
	if l.Token == "" || l.SessionID == "" || l.Role != "USER" {
		t.Fatalf("login = %+v", l)
	}
	if _, err := h.RegisterConsent(context.Background(), "c1", "S1", "tools/*", consent.Basic, nil); err != nil {
		t.Fatal(err)
	}

	res = do(t, http.MethodPost, srv.URL+"/v1/servers/S1/rpc", l.Token, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("rpc status = %d, content-type = %q", res.StatusCode, res.Header.Get("Content-Type"))
	}
	var rpc jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if rpc.Error != nil {
		t.Fatalf("rpc error = %+v", rpc.Error)
	}

	if res := do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+l.SessionID, "wrong", ""); res.StatusCode != http.StatusNotFound {
		t.Fatalf("logout with wrong token = %d", res.StatusCode)
	}
	if res := do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+l.SessionID, l.Token, ""); res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout = %d", res.StatusCode)
	}
	if res := do(t, http.MethodDelete, srv.URL+"/v1/sessions/"+l.SessionID, "", ""); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("logout without token = %d", res.StatusCode)
	}
}

func TestLoginRejects(t *testing.T) {
	srv, _ := newServer(t)
	for name, tc := range map[string]struct {
		body string
		want int
	}{
		"bad json":       {`{`, http.StatusBadRequest},
		"bad role":       {`{"username":"alice","credentials":"x","role":"ROOT"}`, http.StatusBadRequest},
		"unknown client": {`{"username":"alice","credentials":"x","client_id":"nope"}`, http.StatusBadRequest},
		"no credentials": {`{"username":"alice"}`, http.StatusUnauthorized},
	} {
		t.Run(name, func(t *testing.T) {
			if res := do(t, http.MethodPost, srv.URL+"/v1/sessions", "", tc.body); res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.want)
			}
		})
	}
}

func TestRPCTransportErrors(t *testing.T) {
	srv, _ := newServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/servers/S1/rpc", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status = %d", res.StatusCode)
	}

	res = do(t, http.MethodPost, srv.URL+"/v1/servers/S1/rpc", "", `{"jsonrpc":"2.0","method":"tools/list"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("notification status = %d", res.StatusCode)
	}

	res = do(t, http.MethodPost, srv.URL+"/v1/servers/S1/rpc", "", `{"jsonrpc":`)
	var rpc jsonrpc.Response
	if err := json.NewDecoder(res.Body).Decode(&rpc); err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK || rpc.Error.Category() != "ParseError" {
		t.Fatalf("parse error: status = %d, response = %+v", res.StatusCode, rpc)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newServer(t, hosthttp.WithRateLimit(0.001, 2))
	body := `{"jsonrpc":"2.0","method":"tools/list"}`
	for i := 0; i < 2; i++ {
		if res := do(t, http.MethodPost, srv.URL+"/v1/servers/S1/rpc", "", body); res.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d status = %d", i, res.StatusCode)
		}
	}
	res := do(t, http.MethodPost, srv.URL+"/v1/servers/S1/rpc", "", body)
	if res.StatusCode != http.StatusTooManyRequests || res.Header.Get("Retry-After") == "" {
		t.Fatalf("third request status = %d", res.StatusCode)
	}
}

func TestListServers(t *testing.T) {
	srv, _ := newServer(t)
	res := do(t, http.MethodGet, srv.URL+"/v1/servers", "", "")
	var out struct {
		Servers []struct {
			ID           string                `json:"id"`
			Capabilities registry.Capabilities `json:"capabilities"`
		} `json:"servers"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Servers) != 1 || out.Servers[0].ID != "S1" || !out.Servers[0].Capabilities.Batch {
		t.Fatalf("servers = %+v", out.Servers)
	}
}
