package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ggoodman/mcp-host-go/endpoint"
)

// Capability names a server may declare.
const (
	CapTools         = "tools"
	CapResources     = "resources"
	CapSubscriptions = "subscriptions"
	CapPrompts       = "prompts"
	CapBatch         = "batch"
	CapProgress      = "progress"
)

var knownCapabilities = map[string]struct{}{
	CapTools:         {},
	CapResources:     {},
	CapSubscriptions: {},
	CapPrompts:       {},
	CapBatch:         {},
	CapProgress:      {},
}

var requiredCapabilities = []string{CapTools, CapResources}

// ErrInvalidServerCapabilities is returned when a server's capability block
// is missing or malformed.
var ErrInvalidServerCapabilities = errors.New("invalid server capabilities")

// ToolInfo describes a tool exposed by a server.
type ToolInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Dangerous tools require elevated consent to execute.
	Dangerous bool `json:"dangerous,omitempty" yaml:"dangerous,omitempty"`
}

// ResourceInfo describes a resource exposed by a server.
type ResourceInfo struct {
	URI         string `json:"uri" yaml:"uri"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

// PromptInfo describes a prompt exposed by a server.
type PromptInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ServerInfo is what a server supplies at registration. Capabilities is kept
// loosely typed so that malformed declarations can be reported instead of
// silently coerced.
type ServerInfo struct {
	Name         string         `json:"name,omitempty"`
	Version      string         `json:"version,omitempty"`
	Capabilities map[string]any `json:"capabilities"`
	Tools        []ToolInfo     `json:"tools,omitempty"`
	Resources    []ResourceInfo `json:"resources,omitempty"`
	Prompts      []PromptInfo   `json:"prompts,omitempty"`
}

// Capabilities is the validated boolean capability set of a server.
type Capabilities struct {
	Tools         bool `json:"tools"`
	Resources     bool `json:"resources"`
	Subscriptions bool `json:"subscriptions"`
	Prompts       bool `json:"prompts"`
	Batch         bool `json:"batch"`
	Progress      bool `json:"progress"`
}

// Map returns the capability set keyed by name.
func (c Capabilities) Map() map[string]bool {
	return map[string]bool{
		CapTools:         c.Tools,
		CapResources:     c.Resources,
		CapSubscriptions: c.Subscriptions,
		CapPrompts:       c.Prompts,
		CapBatch:         c.Batch,
		CapProgress:      c.Progress,
	}
}

// ValidateServerInfo checks a server's capability declaration. Hard failures
// wrap ErrInvalidServerCapabilities. Unknown keys and primitives declared
// without metadata are reported as warnings.
func ValidateServerInfo(info ServerInfo) (Capabilities, []string, error) {
	var caps Capabilities
	if info.Capabilities == nil {
		return caps, nil, fmt.Errorf("%w: capabilities block is missing", ErrInvalidServerCapabilities)
	}

	for _, key := range requiredCapabilities {
		if _, ok := info.Capabilities[key]; !ok {
			return caps, nil, fmt.Errorf("%w: required capability %q is missing", ErrInvalidServerCapabilities, key)
		}
	}

	flags := make(map[string]bool, len(info.Capabilities))
	var warnings []string

	keys := make([]string, 0, len(info.Capabilities))
	for k := range info.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b, ok := info.Capabilities[k].(bool)
		if !ok {
			return Capabilities{}, nil, fmt.Errorf("%w: capability %q must be a boolean, got %T", ErrInvalidServerCapabilities, k, info.Capabilities[k])
		}
		if _, known := knownCapabilities[k]; !known {
			warnings = append(warnings, fmt.Sprintf("unknown capability %q", k))
			continue
		}
		flags[k] = b
	}

	caps = Capabilities{
		Tools:         flags[CapTools],
		Resources:     flags[CapResources],
		Subscriptions: flags[CapSubscriptions],
		Prompts:       flags[CapPrompts],
		Batch:         flags[CapBatch],
		Progress:      flags[CapProgress],
	}

	if caps.Tools && len(info.Tools) == 0 {
		warnings = append(warnings, "tools capability declared without tool metadata")
	}
	if caps.Resources && len(info.Resources) == 0 {
		warnings = append(warnings, "resources capability declared without resource metadata")
	}
	if caps.Prompts && len(info.Prompts) == 0 {
		warnings = append(warnings, "prompts capability declared without prompt metadata")
	}

	return caps, warnings, nil
}

// ServerDescriptor is a registered server.
type ServerDescriptor struct {
	ID           string
	Info         ServerInfo
	Capabilities Capabilities
	Handle       endpoint.Server
}

// DangerousTool reports whether the server flags the named tool as dangerous.
func (d *ServerDescriptor) DangerousTool(name string) bool {
	for _, t := range d.Info.Tools {
		if t.Name == name {
			return t.Dangerous
		}
	}
	return false
}

// Servers is the server registry.
type Servers struct {
	*Table[*ServerDescriptor]
}

// NewServers creates an empty server registry.
func NewServers() *Servers {
	return &Servers{Table: NewTable[*ServerDescriptor]()}
}
