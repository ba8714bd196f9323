// Package llm defines the planning oracle abstraction the orchestrator
// consumes. The model is pluggable: any implementation of Oracle works,
// and its retry/streaming mechanics stay opaque to the core.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one entry of the conversation handed to the oracle.
type Message struct {
	Role       string        `json:"role"`                   // "system", "user", "assistant", "tool"
	Content    string        `json:"content"`                // message text
	ToolCalls  []ToolRequest `json:"tool_calls,omitempty"`   // assistant: calls it requested
	ToolCallID string        `json:"tool_call_id,omitempty"` // tool: the call this responds to
}

// ToolDefinition describes a tool offered to the model for one planning
// step. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolRequest is a single tool call the model asked for.
type ToolRequest struct {
	ID        string          `json:"id"` // provider correlation id
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Turn is one planning result: a text answer, a set of tool requests, or a
// mixed final turn carrying both.
type Turn struct {
	Text         string
	ToolRequests []ToolRequest
}

// IsFinal reports whether the turn requested no further tool calls.
func (t Turn) IsFinal() bool { return len(t.ToolRequests) == 0 }

// PlanRequest is the input to one planning step.
type PlanRequest struct {
	System   string           // mode system prompt; pinned, never evicted
	Messages []Message        // conversation buffer plus fed-back tool results
	Tools    []ToolDefinition // allow-listed tools for this step
}

// StreamCallback receives incremental text chunks during StreamPlan.
// Implementations should be lightweight; heavy work must be deferred.
type StreamCallback func(chunk string)

// Oracle is the LLM as a planning function. Both operations must honor
// ctx cancellation promptly.
type Oracle interface {
	// Plan runs one planning step and returns the model's turn.
	Plan(ctx context.Context, req PlanRequest) (Turn, error)

	// StreamPlan runs one planning step, forwarding text chunks to onChunk
	// as they arrive, and returns the fully assembled turn.
	// Implementations may fall back to Plan when streaming is unavailable.
	StreamPlan(ctx context.Context, req PlanRequest, onChunk StreamCallback) (Turn, error)
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
