package upstream

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upstreams.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	f, err := Load(writeFile(t, `
servers:
  - id: fs
    command: [mcp-fs, --root, /srv]
    dangerous: [delete_file]
  - id: search
    url: https://search.internal/mcp
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(f.Servers) != 2 || f.Servers[0].Command[2] != "/srv" || f.Servers[1].URL == "" {
		t.Fatalf("servers = %+v", f.Servers)
	}
}

func TestLoadRejects(t *testing.T) {
	for name, body := range map[string]string{
		"missing id":   "servers:\n  - url: http://x\n",
		"duplicate id": "servers:\n  - {id: a, url: http://x}\n  - {id: a, url: http://y}\n",
		"both":         "servers:\n  - {id: a, url: http://x, command: [x]}\n",
		"neither":      "servers:\n  - {id: a}\n",
		"not yaml":     "servers: [",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Fatal("Load() = nil error")
			}
		})
	}
}
