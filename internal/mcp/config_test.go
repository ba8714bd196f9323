package mcp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// serversYAMLForTest writes a servers.yaml to a temp dir and returns its path.
func serversYAMLForTest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write servers.yaml: %v", err)
	}
	return path
}

func TestLoadServers_Stdio(t *testing.T) {
	path := serversYAMLForTest(t, `
servers:
  - key: docs
    transport: stdio
    command: uvx
    args: ["awslabs.aws-documentation-mcp-server@latest"]
    env: ["FASTMCP_LOG_LEVEL=ERROR"]
    tool_prefix: awsdocs_
    startup_timeout_seconds: 90
`)
	servers, err := LoadServers(path)
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}
	cfg := servers[0]
	if cfg.Key != "docs" || cfg.Transport != "stdio" || cfg.Command != "uvx" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.ToolPrefix != "awsdocs_" {
		t.Errorf("ToolPrefix = %q, want awsdocs_", cfg.ToolPrefix)
	}
	if got := cfg.StartupTimeout(); got != 90*time.Second {
		t.Errorf("StartupTimeout = %v, want 90s", got)
	}
	if got := cfg.InvokeTimeout(); got != DefaultInvokeTimeout {
		t.Errorf("InvokeTimeout = %v, want default %v", got, DefaultInvokeTimeout)
	}
}

func TestLoadServers_HTTP(t *testing.T) {
	path := serversYAMLForTest(t, `
servers:
  - key: diagram
    transport: http
    url: https://diagrams.internal/mcp
    tool_prefix: diagram_
`)
	servers, err := LoadServers(path)
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if servers[0].URL != "https://diagrams.internal/mcp" {
		t.Errorf("URL = %q", servers[0].URL)
	}
}

func TestLoadServers_DuplicateKey(t *testing.T) {
	path := serversYAMLForTest(t, `
servers:
  - {key: docs, transport: stdio, command: a}
  - {key: docs, transport: stdio, command: b}
`)
	if _, err := LoadServers(path); err == nil {
		t.Error("expected error for duplicate key")
	}
}

func TestLoadServers_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing key", "servers:\n  - {transport: stdio, command: a}"},
		{"stdio without command", "servers:\n  - {key: x, transport: stdio}"},
		{"http without url", "servers:\n  - {key: x, transport: http}"},
		{"unknown transport", "servers:\n  - {key: x, transport: grpc}"},
		{"bad yaml", "servers: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := serversYAMLForTest(t, tt.content)
			if _, err := LoadServers(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadServers_MissingFile(t *testing.T) {
	_, err := LoadServers(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Error("expected error for missing file")
	}
	if errors.Is(err, ErrPoolClosed) {
		t.Error("unrelated sentinel leaked into config error")
	}
}
