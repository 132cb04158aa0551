package config

import (
	"fmt"
	"sync"
)

// MCPServerConfig defines one MCP server the agent may call tools on.
type MCPServerConfig struct {
	// Transport selects how the server is reached.
	Transport TransportConfig `yaml:"transport"`

	// Instructions are appended to the system prompt when this server's
	// tools are offered to the LLM.
	Instructions string `yaml:"instructions,omitempty"`
}

// TransportConfig describes the MCP transport: a stdio subprocess or a
// streamable HTTP endpoint. Exactly one of Command/URL must be set.
type TransportConfig struct {
	// Type is "stdio" or "http".
	Type string `yaml:"type"`

	// Command and Args launch a stdio server subprocess.
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`

	// URL is the streamable HTTP endpoint.
	URL string `yaml:"url,omitempty"`
}

// Validate checks transport coherence.
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case "stdio":
		if t.Command == "" {
			return fmt.Errorf("stdio transport requires command")
		}
	case "http":
		if t.URL == "" {
			return fmt.Errorf("http transport requires url")
		}
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	servers map[string]MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a registry from the config map.
func NewMCPServerRegistry(servers map[string]MCPServerConfig) *MCPServerRegistry {
	if servers == nil {
		servers = map[string]MCPServerConfig{}
	}
	return &MCPServerRegistry{servers: servers}
}

// Get retrieves a server configuration by ID.
func (r *MCPServerRegistry) Get(serverID string) (MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	server, ok := r.servers[serverID]
	if !ok {
		return MCPServerConfig{}, fmt.Errorf("mcp server not configured: %s", serverID)
	}
	return server, nil
}

// IDs returns all registered server IDs.
func (r *MCPServerRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.servers))
	for id := range r.servers {
		ids = append(ids, id)
	}
	return ids
}

// Has reports whether a server ID is registered.
func (r *MCPServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[serverID]
	return ok
}
