package registry

import "github.com/ggoodman/mcp-host-go/endpoint"

// ClientInfo is what a client supplies at registration.
type ClientInfo struct {
	Name         string          `json:"name,omitempty"`
	Version      string          `json:"version,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// SupportsProgress reports whether the client accepts progress notifications.
// Clients that say nothing are assumed to accept them.
func (i ClientInfo) SupportsProgress() bool {
	v, ok := i.Capabilities[CapProgress]
	return !ok || v
}

// ClientDescriptor is a registered client.
type ClientDescriptor struct {
	ID     string
	Info   ClientInfo
	Handle endpoint.Client
}

// Clients is the client registry.
type Clients struct {
	*Table[*ClientDescriptor]
}

// NewClients creates an empty client registry.
func NewClients() *Clients {
	return &Clients{Table: NewTable[*ClientDescriptor]()}
}
