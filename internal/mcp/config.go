package mcp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timeout budgets, overridable per server and via environment.
const (
	DefaultStartupTimeout = 60 * time.Second
	DefaultInvokeTimeout  = 60 * time.Second
)

// ServerConfig describes a single MCP tool-server. The Key is the pool
// identity: two configs are the same server iff their keys are equal.
type ServerConfig struct {
	Key       string   `yaml:"key"`
	Transport string   `yaml:"transport"`         // "stdio" | "http"
	Command   string   `yaml:"command,omitempty"` // stdio: executable path
	Args      []string `yaml:"args,omitempty"`    // stdio: command arguments
	Env       []string `yaml:"env,omitempty"`     // stdio: extra KEY=VALUE pairs
	URL       string   `yaml:"url,omitempty"`     // http: endpoint URL

	// ToolPrefix is the fully-qualified name prefix this server's tools carry
	// on the wire (e.g. "awsdocs_"). The orchestrator routes tool calls to a
	// server by matching this prefix.
	ToolPrefix string `yaml:"tool_prefix,omitempty"`

	// AllowPrefixes optionally restricts which tool names may be invoked on
	// this server. Empty means all tools under ToolPrefix are allowed.
	AllowPrefixes []string `yaml:"allow_prefixes,omitempty"`

	// DenySubstrings adds server-specific mutation-indicating substrings on
	// top of the global sanitizer denylist.
	DenySubstrings []string `yaml:"deny_substrings,omitempty"`

	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds,omitempty"`
	InvokeTimeoutSeconds  int `yaml:"invoke_timeout_seconds,omitempty"`
}

// StartupTimeout returns the initialize-handshake budget for this server.
func (c ServerConfig) StartupTimeout() time.Duration {
	if c.StartupTimeoutSeconds > 0 {
		return time.Duration(c.StartupTimeoutSeconds) * time.Second
	}
	return DefaultStartupTimeout
}

// InvokeTimeout returns the per-invocation budget for this server.
func (c ServerConfig) InvokeTimeout() time.Duration {
	if c.InvokeTimeoutSeconds > 0 {
		return time.Duration(c.InvokeTimeoutSeconds) * time.Second
	}
	return DefaultInvokeTimeout
}

// Validate checks that the config is internally consistent.
func (c ServerConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("mcp: server config missing key")
	}
	switch c.Transport {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("mcp: stdio server %q missing command", c.Key)
		}
	case "http":
		if c.URL == "" {
			return fmt.Errorf("mcp: http server %q missing url", c.Key)
		}
	default:
		return fmt.Errorf("mcp: server %q has unknown transport %q", c.Key, c.Transport)
	}
	return nil
}

// serversFile mirrors the top-level structure of servers.yaml.
type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServers reads and parses the server list from a YAML file.
// Every entry is validated; duplicate keys are rejected because the key is
// the pool identity.
func LoadServers(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read servers config %q: %w", path, err)
	}

	var file serversFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse servers config %q: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Servers))
	for _, cfg := range file.Servers {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if seen[cfg.Key] {
			return nil, fmt.Errorf("mcp: duplicate server key %q in %q", cfg.Key, path)
		}
		seen[cfg.Key] = true
	}
	return file.Servers, nil
}
