// Package upstream connects to MCP servers described in a YAML file and
// registers them with a host. Each entry is either a command speaking MCP on
// stdio or a streamable HTTP endpoint.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"

	"github.com/ggoodman/mcp-host-go/endpoint"
	"github.com/ggoodman/mcp-host-go/registry"
	"github.com/ggoodman/mcp-host-go/upstream/sdkserver"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"gopkg.in/yaml.v3"
)

// Spec describes one upstream server.
type Spec struct {
	ID      string   `yaml:"id"`
	Command []string `yaml:"command,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	URL     string   `yaml:"url,omitempty"`
	// Dangerous names tools that need elevated consent.
	Dangerous []string `yaml:"dangerous,omitempty"`
}

// File is the upstream configuration document.
type File struct {
	Servers []Spec `yaml:"servers"`
}

// Registrar receives connected upstreams. *host.Host satisfies it.
type Registrar interface {
	RegisterServer(ctx context.Context, id string, info registry.ServerInfo, handle endpoint.Server) error
}

// Load reads and validates an upstream file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstreams: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse upstreams: %w", err)
	}
	seen := map[string]struct{}{}
	for i, s := range f.Servers {
		if s.ID == "" {
			return nil, fmt.Errorf("servers[%d]: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("servers[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if (len(s.Command) == 0) == (s.URL == "") {
			return nil, fmt.Errorf("servers[%d]: exactly one of command and url is required", i)
		}
	}
	return &f, nil
}

// Connect opens an SDK client session to s.
func Connect(ctx context.Context, s Spec, version string) (*mcp.ClientSession, error) {
	var t mcp.Transport
	if len(s.Command) > 0 {
		cmd := exec.Command(s.Command[0], s.Command[1:]...)
		cmd.Env = append(os.Environ(), s.Env...)
		t = &mcp.CommandTransport{Command: cmd}
	} else {
		t = &mcp.StreamableClientTransport{Endpoint: s.URL}
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "mcp-host", Version: version}, &mcp.ClientOptions{})
	cs, err := client.Connect(ctx, t, &mcp.ClientSessionOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.ID, err)
	}
	return cs, nil
}

// RegisterAll connects to every upstream in f and registers it with r. An
// upstream that fails is logged and skipped; the returned closer ends every
// session that was opened.
func RegisterAll(ctx context.Context, r Registrar, f *File, version string, log *slog.Logger) (func() error, error) {
	var sessions []*mcp.ClientSession
	closeAll := func() error {
		var errs []error
		for _, cs := range sessions {
			errs = append(errs, cs.Close())
		}
		return errors.Join(errs...)
	}

	registered := 0
	for _, s := range f.Servers {
		cs, err := Connect(ctx, s, version)
		if err != nil {
			log.WarnContext(ctx, "upstream.connect.fail", slog.String("server_id", s.ID), slog.String("err", err.Error()))
			continue
		}
		sessions = append(sessions, cs)

		info := sdkserver.Describe(ctx, s.ID, version, cs)
		for i := range info.Tools {
			info.Tools[i].Dangerous = slices.Contains(s.Dangerous, info.Tools[i].Name)
		}
		if err := r.RegisterServer(ctx, s.ID, info, sdkserver.New(cs, log)); err != nil {
			log.WarnContext(ctx, "upstream.register.fail", slog.String("server_id", s.ID), slog.String("err", err.Error()))
			continue
		}
		registered++
	}
	if registered == 0 && len(f.Servers) > 0 {
		return closeAll, errors.New("no upstream server could be registered")
	}
	return closeAll, nil
}
