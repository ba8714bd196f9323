// Package orchestrator drives the three mode state machines (brainstorm,
// analyze, generate): it plans with the LLM oracle, dispatches sanitized
// tool calls through the client pools, and emits an ordered event stream.
package orchestrator

import "encoding/base64"

// Event is one line of the client stream. The Type tag determines which
// of the remaining fields are populated.
type Event struct {
	Type string `json:"type"`

	// thinking
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`

	// partial_text; also the inline text of an artifact
	Text string `json:"text,omitempty"`

	// tool_invoked / tool_result
	CallID       *int   `json:"call_id,omitempty"`
	Tool         string `json:"tool,omitempty"`
	ArgsDigest   string `json:"args_digest,omitempty"`
	Status       string `json:"status,omitempty"`
	ResultDigest string `json:"result_digest,omitempty"`

	// artifact kind ("diagram", "template") or failure kind
	Kind        string `json:"kind,omitempty"`
	BytesBase64 string `json:"bytes_base64,omitempty"`

	// complete
	Payload any `json:"payload,omitempty"`
}

// Event type tags.
const (
	EventThinking    = "thinking"
	EventPartialText = "partial_text"
	EventToolInvoked = "tool_invoked"
	EventToolResult  = "tool_result"
	EventArtifact    = "artifact"
	EventComplete    = "complete"
	EventFailed      = "failed"
)

// Terminal failure kinds.
const (
	FailTimeout         = "timeout"
	FailPoolExhausted   = "pool_exhausted"
	FailToolError       = "tool_error"
	FailPolicyViolation = "policy_violation"
	FailCancelled       = "cancelled"
	FailInternal        = "internal"
)

// Tool result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Emitter consumes the ordered event stream. Emit returns false when the
// client is gone; the orchestrator treats that as cancellation.
type Emitter interface {
	Emit(Event) bool
}

// Thinking marks an orchestrator state transition.
func Thinking(step, message string) Event {
	return Event{Type: EventThinking, Step: step, Message: message}
}

// PartialText forwards one LLM streaming chunk.
func PartialText(text string) Event {
	return Event{Type: EventPartialText, Text: text}
}

// ToolInvoked is emitted right before a sanitized call dispatches.
func ToolInvoked(callID int, tool, argsDigest string) Event {
	id := callID
	return Event{Type: EventToolInvoked, CallID: &id, Tool: tool, ArgsDigest: argsDigest}
}

// ToolResultEvent reports the outcome of a dispatched call.
func ToolResultEvent(callID int, status, resultDigest string) Event {
	id := callID
	return Event{Type: EventToolResult, CallID: &id, Status: status, ResultDigest: resultDigest}
}

// ArtifactEvent carries a produced diagram or template. Binary payloads
// are base64-encoded; textual ones (SVG, YAML) travel as text.
func ArtifactEvent(kind string, data []byte, text string) Event {
	ev := Event{Type: EventArtifact, Kind: kind, Text: text}
	if len(data) > 0 {
		ev.BytesBase64 = base64.StdEncoding.EncodeToString(data)
	}
	return ev
}

// Complete terminates the stream successfully with a mode-specific payload.
func Complete(payload any) Event {
	return Event{Type: EventComplete, Payload: payload}
}

// Failed terminates the stream with a failure kind and message.
func Failed(kind, message string) Event {
	return Event{Type: EventFailed, Kind: kind, Message: message}
}
