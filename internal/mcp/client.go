// Package mcp implements the pooled MCP client layer: transport adapters
// for stdio subprocesses and HTTP endpoints, a warm client pool per server
// configuration, and the process-wide pool manager.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// ToolInfo captures the metadata of a single tool exposed by an MCP server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolResult is the structured outcome of one tool invocation.
// Diagram servers return Binary (PNG) or Text (SVG); the core forwards
// whichever the server produced without conversion.
type ToolResult struct {
	Structured any    // structured content when the server provides it
	Text       string // concatenated text content
	Binary     []byte // first binary blob (decoded)
	MIMEType   string // MIME type of Binary, e.g. "image/png"
	IsError    bool   // server-reported tool-level error
}

// Conn is an initialized MCP session ready to list and invoke tools.
// *Client is the production implementation; tests substitute fakes.
type Conn interface {
	ListTools(ctx context.Context) ([]ToolInfo, error)
	Invoke(ctx context.Context, tool string, args map[string]any) (ToolResult, error)
	Healthy() bool
	Close() error
}

// Client wraps the mcp-go SDK client for a single MCP server.
// It is safe for concurrent use, though the pool hands each client to at
// most one request at a time.
type Client struct {
	mu     sync.RWMutex
	cfg    ServerConfig
	inner  sdk_client.MCPClient
	broken atomic.Bool
	stderr *ringBuffer // stdio only; last chunk of child stderr for diagnostics
}

// DialServer starts the configured transport, performs the MCP initialize
// handshake within the server's startup budget, and returns a ready Conn.
// A handshake that exceeds the budget fails with ErrStartupTimeout.
func DialServer(ctx context.Context, cfg ServerConfig) (Conn, error) {
	c := &Client{cfg: cfg, stderr: newRingBuffer(4096)}

	hsCtx, cancel := context.WithTimeout(ctx, cfg.StartupTimeout())
	defer cancel()

	var inner sdk_client.MCPClient
	switch cfg.Transport {
	case "stdio":
		cli, err := sdk_client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("mcp: start stdio server %q: %w", cfg.Key, err)
		}
		// Drain child stderr into the ring buffer. EOF means the process
		// side of the pipe closed, which is fatal for a stdio transport.
		if r, ok := sdk_client.GetStderr(cli); ok {
			go c.drainStderr(r)
		}
		inner = cli

	case "http":
		cli, err := sdk_client.NewStreamableHttpClient(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("mcp: create http client %q: %w", cfg.Key, err)
		}
		if err := cli.Start(hsCtx); err != nil {
			return nil, fmt.Errorf("mcp: start http client %q: %w", cfg.Key, err)
		}
		inner = cli

	default:
		return nil, fmt.Errorf("mcp: unknown transport %q for server %q", cfg.Transport, cfg.Key)
	}

	// MCP initialize handshake; clean up if it fails.
	_, err := inner.Initialize(hsCtx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: sdk_mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "cloud-sage",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		if errors.Is(err, context.DeadlineExceeded) && hsCtx.Err() != nil {
			return nil, fmt.Errorf("mcp: initialize server %q after %v: %w",
				cfg.Key, cfg.StartupTimeout(), ErrStartupTimeout)
		}
		return nil, fmt.Errorf("mcp: initialize server %q: %w", cfg.Key, err)
	}

	c.inner = inner
	return c, nil
}

// drainStderr copies child stderr into the ring buffer until EOF, then
// marks the client broken: a closed stderr pipe means the subprocess died.
func (c *Client) drainStderr(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.stderr.Write(buf[:n])
		}
		if err != nil {
			if tail := c.stderr.String(); tail != "" {
				log.Printf("[MCP] %s stderr tail: %s", c.cfg.Key, strings.TrimSpace(tail))
			}
			c.broken.Store(true)
			return
		}
	}
}

// Healthy reports whether the transport is believed usable. It is a local
// flag only: a false value is authoritative, a true value is optimistic.
func (c *Client) Healthy() bool {
	return !c.broken.Load()
}

// ListTools returns metadata for all tools exposed by this MCP server.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Key, ErrNotConnected)
	}

	result, err := inner.ListTools(ctx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		c.broken.Store(true)
		return nil, fmt.Errorf("mcp: list tools %q: %w", c.cfg.Key, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// Invoke calls the named tool within the server's per-invocation budget.
//
// Server-reported tool errors come back as ToolResult{IsError: true} with a
// nil Go error so the orchestrator can feed them to the model. Transport
// errors (including cancellation mid-call) mark the client broken and
// return a non-nil error.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (ToolResult, error) {
	c.mu.RLock()
	inner := c.inner
	c.mu.RUnlock()
	if inner == nil {
		return ToolResult{}, fmt.Errorf("mcp: call %q on %q: %w", tool, c.cfg.Key, ErrNotConnected)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout())
	defer cancel()

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := inner.CallTool(callCtx, req)
	if err != nil {
		// The server may still be producing output for this call, so the
		// session is no longer safe to reuse.
		c.broken.Store(true)
		return ToolResult{}, fmt.Errorf("mcp: call %q on %q: %w", tool, c.cfg.Key, err)
	}

	return collectResult(result), nil
}

// collectResult flattens the MCP content list into a ToolResult.
func collectResult(result *sdk_mcp.CallToolResult) ToolResult {
	out := ToolResult{IsError: result.IsError, Structured: result.StructuredContent}

	var parts []string
	for _, content := range result.Content {
		switch v := content.(type) {
		case sdk_mcp.TextContent:
			parts = append(parts, v.Text)
		case sdk_mcp.ImageContent:
			if out.Binary == nil {
				if raw, err := base64.StdEncoding.DecodeString(v.Data); err == nil {
					out.Binary = raw
					out.MIMEType = v.MIMEType
				}
			}
		case sdk_mcp.EmbeddedResource:
			switch rc := v.Resource.(type) {
			case sdk_mcp.TextResourceContents:
				parts = append(parts, rc.Text)
			case sdk_mcp.BlobResourceContents:
				if out.Binary == nil {
					if raw, err := base64.StdEncoding.DecodeString(rc.Blob); err == nil {
						out.Binary = raw
						out.MIMEType = rc.MIMEType
					}
				}
			}
		}
	}
	out.Text = strings.Join(parts, "\n")
	return out
}

// Close terminates the connection and, for stdio, reaps the child process.
func (c *Client) Close() error {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.mu.Unlock()

	if inner == nil {
		return nil
	}
	return inner.Close()
}

// ringBuffer is a fixed-capacity byte ring keeping the most recent writes.
type ringBuffer struct {
	mu   sync.Mutex
	buf  []byte
	full bool
	pos  int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos++
		if r.pos == len(r.buf) {
			r.pos = 0
			r.full = true
		}
	}
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return string(r.buf[:r.pos])
	}
	return string(r.buf[r.pos:]) + string(r.buf[:r.pos])
}
