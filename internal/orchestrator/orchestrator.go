package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/mcp"
	"github.com/cloudsage/cloud-sage/internal/policy"
	"github.com/cloudsage/cloud-sage/internal/session"
	"github.com/cloudsage/cloud-sage/internal/util"
)

// Mode names accepted in the request envelope.
const (
	ModeBrainstorm = "brainstorm"
	ModeAnalyze    = "analyze"
	ModeGenerate   = "generate"
)

// Per-mode wall-clock budgets and the fan-out ceiling, all overridable
// via Options.
const (
	DefaultBrainstormDeadline = 30 * time.Second
	DefaultAnalyzeDeadline    = 120 * time.Second
	DefaultGenerateDeadline   = 180 * time.Second
	DefaultMaxParallelCalls   = 4
)

// Feedback caps: tool output fed back to the model is truncated so a
// single verbose tool cannot blow the context budget.
const maxToolFeedbackChars = 8000

// maxPlanTurns bounds the plan/dispatch loop against a model that never
// produces a final answer.
const maxPlanTurns = 12

// Request is the envelope for one orchestration run.
type Request struct {
	SessionID        string `json:"session_id,omitempty"`
	Mode             string `json:"mode"`
	Input            string `json:"input"`
	ExistingTemplate string `json:"existing_template,omitempty"` // generate revisions
	Constraints      string `json:"constraints,omitempty"`       // analyze, e.g. region
}

// Options tunes the orchestrator. Zero values take the defaults above.
type Options struct {
	BrainstormDeadline time.Duration
	AnalyzeDeadline    time.Duration
	GenerateDeadline   time.Duration
	MaxParallelCalls   int
}

// Orchestrator owns one run at a time per request; it borrows pools and
// sessions for the duration of a run and never retains them.
type Orchestrator struct {
	oracle    llm.Oracle
	pools     *mcp.Manager
	sessions  *session.Store
	sanitizer *policy.Sanitizer
	servers   []mcp.ServerConfig
	opts      Options

	// Tool definitions are listed once per server and cached; listing
	// borrows a pooled client briefly.
	toolMu    sync.Mutex
	toolCache map[string][]llm.ToolDefinition
}

// New wires an orchestrator over its collaborators.
func New(oracle llm.Oracle, pools *mcp.Manager, sessions *session.Store, sanitizer *policy.Sanitizer, servers []mcp.ServerConfig, opts Options) *Orchestrator {
	if opts.BrainstormDeadline <= 0 {
		opts.BrainstormDeadline = DefaultBrainstormDeadline
	}
	if opts.AnalyzeDeadline <= 0 {
		opts.AnalyzeDeadline = DefaultAnalyzeDeadline
	}
	if opts.GenerateDeadline <= 0 {
		opts.GenerateDeadline = DefaultGenerateDeadline
	}
	if opts.MaxParallelCalls <= 0 {
		opts.MaxParallelCalls = DefaultMaxParallelCalls
	}
	return &Orchestrator{
		oracle:    oracle,
		pools:     pools,
		sessions:  sessions,
		sanitizer: sanitizer,
		servers:   servers,
		opts:      opts,
		toolCache: make(map[string][]llm.ToolDefinition),
	}
}

// Run executes one request and emits its event stream. Exactly one
// terminal event (complete or failed) closes the stream. Returns the
// session id, minted when the request carried none.
func (o *Orchestrator) Run(ctx context.Context, req Request, out Emitter) string {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	switch mode {
	case ModeBrainstorm, ModeAnalyze, ModeGenerate:
	default:
		out.Emit(Failed(FailInternal, fmt.Sprintf("unknown mode %q", req.Mode)))
		return req.SessionID
	}
	if strings.TrimSpace(req.Input) == "" {
		// No buffer mutation on an empty turn.
		out.Emit(Failed(FailInternal, "empty input"))
		return req.SessionID
	}

	sess, created := o.sessions.GetOrCreate(req.SessionID)
	if created {
		log.Printf("[Orchestrator] New session %s (mode=%s)", sess.ID, mode)
	}

	ctx, cancel := context.WithTimeout(ctx, o.deadlineFor(mode))
	defer cancel()

	r := &run{sess: sess, mode: mode, out: out, cancel: cancel}

	var payload any
	var err error
	switch mode {
	case ModeBrainstorm:
		payload, err = o.runBrainstorm(ctx, r, req)
	case ModeAnalyze:
		payload, err = o.runAnalyze(ctx, r, req)
	case ModeGenerate:
		payload, err = o.runGenerate(ctx, r, req)
	}

	if err != nil {
		kind, msg := classify(err)
		log.Printf("[Orchestrator] %s run failed (session=%s kind=%s): %v", mode, sess.ID, kind, err)
		out.Emit(Failed(kind, msg))
		return sess.ID
	}

	out.Emit(Complete(payload))
	o.sessions.Touch(sess.ID)
	return sess.ID
}

func (o *Orchestrator) deadlineFor(mode string) time.Duration {
	switch mode {
	case ModeAnalyze:
		return o.opts.AnalyzeDeadline
	case ModeGenerate:
		return o.opts.GenerateDeadline
	default:
		return o.opts.BrainstormDeadline
	}
}

// run is the per-request mutable state. Only the orchestrator task and
// the oracle's streaming callback touch it; tool-call goroutines write
// into per-call slots instead.
type run struct {
	sess   *session.Session
	mode   string
	out    Emitter
	cancel context.CancelFunc

	nextCall    int
	records     []session.ToolCallRecord
	resultTexts []string
	artifact    *Event // last artifact captured from a tool result
}

// emit forwards an event; a gone client cancels the run.
func (r *run) emit(ev Event) {
	if !r.out.Emit(ev) {
		r.cancel()
	}
}

// takeArtifact returns and clears the last captured artifact event.
func (r *run) takeArtifact() *Event {
	a := r.artifact
	r.artifact = nil
	return a
}

// terminalError pins a failure to a specific stream failure kind.
type terminalError struct {
	kind string
	msg  string
}

func (e *terminalError) Error() string { return e.msg }

func classify(err error) (kind, msg string) {
	var term *terminalError
	switch {
	case errors.As(err, &term):
		return term.kind, term.msg
	case errors.Is(err, mcp.ErrPoolExhausted):
		return FailPoolExhausted, "tool server pool exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout, "request deadline exceeded"
	case errors.Is(err, context.Canceled):
		return FailCancelled, "request cancelled"
	default:
		return FailInternal, err.Error()
	}
}

// planLoop drives plan → dispatch → feed back until the model produces a
// final textual turn, which it returns.
func (o *Orchestrator) planLoop(ctx context.Context, r *run, req llm.PlanRequest, stream bool) (string, error) {
	blockedStreak := 0
	failStreaks := map[string]int{}

	for turn := 0; turn < maxPlanTurns; turn++ {
		var planned llm.Turn
		var err error
		if stream {
			planned, err = o.oracle.StreamPlan(ctx, req, func(chunk string) {
				r.emit(PartialText(chunk))
			})
		} else {
			planned, err = o.oracle.Plan(ctx, req)
		}
		if err != nil {
			return "", fmt.Errorf("orchestrator: plan step: %w", err)
		}
		if planned.IsFinal() {
			return planned.Text, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   planned.Text,
			ToolCalls: planned.ToolRequests,
		})
		feedback, err := o.dispatchCalls(ctx, r, planned.ToolRequests, &blockedStreak, failStreaks)
		if err != nil {
			return "", err
		}
		req.Messages = append(req.Messages, feedback...)
	}
	return "", &terminalError{kind: FailInternal, msg: fmt.Sprintf("plan loop exceeded %d turns", maxPlanTurns)}
}

// dispatchCalls sanitizes one turn's tool requests, dispatches the allowed
// ones with bounded parallelism, and returns the tool-role feedback
// messages in call-index order. Events are ordered: every tool_invoked
// precedes the fan-out; tool_result events follow the join, by index.
func (o *Orchestrator) dispatchCalls(ctx context.Context, r *run, calls []llm.ToolRequest, blockedStreak *int, failStreaks map[string]int) ([]llm.Message, error) {
	n := len(calls)
	baseID := r.nextCall
	r.nextCall += n

	blocked := make([]bool, n)
	feedback := make([]llm.Message, n)
	results := make([]mcp.ToolResult, n)
	callErrs := make([]error, n)

	// Sanitize the whole turn before announcing anything: an escalation
	// must not leave an already-emitted tool_invoked without its result.
	for i, call := range calls {
		if err := o.sanitizer.Check(r.mode, call.Name); err != nil {
			*blockedStreak++
			log.Printf("[Orchestrator] Blocked tool call %q (streak=%d): %v", call.Name, *blockedStreak, err)
			if *blockedStreak >= 3 {
				return nil, &terminalError{kind: FailPolicyViolation, msg: fmt.Sprintf("tool %q blocked by policy", call.Name)}
			}
			blocked[i] = true
			feedback[i] = toolFeedback(call, "call blocked by policy: "+err.Error()+". Choose a different tool.")
			continue
		}
		*blockedStreak = 0
	}
	for i, call := range calls {
		if blocked[i] {
			continue
		}
		r.emit(ToolInvoked(baseID+i, call.Name, util.DigestString(string(call.Arguments))))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxParallelCalls)
	for i, call := range calls {
		if blocked[i] {
			continue
		}
		g.Go(func() error {
			res, err := o.invoke(gctx, call)
			if err != nil {
				if fatalDispatchErr(gctx, err) {
					return err
				}
				callErrs[i] = err
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, call := range calls {
		if blocked[i] {
			continue
		}
		if err := callErrs[i]; err != nil {
			failStreaks[call.Name]++
			if failStreaks[call.Name] >= 3 {
				return nil, &terminalError{kind: FailToolError, msg: fmt.Sprintf("tool %q failed %d times: %v", call.Name, failStreaks[call.Name], err)}
			}
			r.emit(ToolResultEvent(baseID+i, StatusError, ""))
			feedback[i] = toolFeedback(call, "tool error: "+err.Error())
			continue
		}

		res := results[i]
		text := renderToolResult(res)
		digest := util.DigestString(text)
		if res.IsError {
			failStreaks[call.Name]++
			if failStreaks[call.Name] >= 3 {
				return nil, &terminalError{kind: FailToolError, msg: fmt.Sprintf("tool %q failed %d times", call.Name, failStreaks[call.Name])}
			}
			r.emit(ToolResultEvent(baseID+i, StatusError, digest))
			feedback[i] = toolFeedback(call, "tool error: "+util.TruncateRunes(text, maxToolFeedbackChars))
			continue
		}

		failStreaks[call.Name] = 0
		r.emit(ToolResultEvent(baseID+i, StatusOK, digest))
		r.resultTexts = append(r.resultTexts, text)
		r.records = append(r.records, session.ToolCallRecord{
			Name:         call.Name,
			ArgsDigest:   util.DigestString(string(call.Arguments)),
			ResultDigest: digest,
		})
		if a := artifactFromResult(res); a != nil {
			r.artifact = a
		}
		feedback[i] = toolFeedback(call, util.TruncateRunes(text, maxToolFeedbackChars))
	}
	return feedback, nil
}

// fatalDispatchErr reports whether a dispatch error must abort the whole
// run rather than be fed back to the model.
func fatalDispatchErr(ctx context.Context, err error) bool {
	return errors.Is(err, mcp.ErrPoolExhausted) ||
		errors.Is(err, mcp.ErrPoolClosed) ||
		ctx.Err() != nil
}

// invoke routes one sanitized call to its server's pool, borrows a client
// for the duration of the invocation, and releases it with the proper
// outcome. A cancelled or transport-failed call releases Broken.
func (o *Orchestrator) invoke(ctx context.Context, call llm.ToolRequest) (mcp.ToolResult, error) {
	cfg, ok := o.routeTool(call.Name)
	if !ok {
		return mcp.ToolResult{}, fmt.Errorf("no server serves tool %q", call.Name)
	}
	pool, err := o.pools.GetOrCreate(cfg)
	if err != nil {
		return mcp.ToolResult{}, err
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return mcp.ToolResult{}, err
	}

	var args map[string]any
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			pool.Release(pc, mcp.Healthy)
			return mcp.ToolResult{}, fmt.Errorf("malformed arguments for %q: %w", call.Name, err)
		}
	}

	res, err := pc.Conn().Invoke(ctx, call.Name, args)
	if err != nil {
		pool.Release(pc, mcp.Broken)
		return mcp.ToolResult{}, err
	}
	pool.Release(pc, mcp.Healthy)
	return res, nil
}

// routeTool resolves the server whose ToolPrefix matches a fully-qualified
// tool name.
func (o *Orchestrator) routeTool(name string) (mcp.ServerConfig, bool) {
	for _, cfg := range o.servers {
		if cfg.ToolPrefix != "" && strings.HasPrefix(name, cfg.ToolPrefix) {
			return cfg, true
		}
	}
	return mcp.ServerConfig{}, false
}

// toolDefs returns the tool definitions a mode may plan with: the union of
// tools advertised by every server whose prefix the mode allows, minus
// anything the sanitizer would block anyway. Listings are cached per
// server key.
func (o *Orchestrator) toolDefs(ctx context.Context, mode string) ([]llm.ToolDefinition, error) {
	prefixes := o.sanitizer.AllowedPrefixes(mode)
	var defs []llm.ToolDefinition
	for _, cfg := range o.servers {
		if cfg.ToolPrefix == "" || !prefixInMode(cfg.ToolPrefix, prefixes) {
			continue
		}
		serverDefs, err := o.listServerTools(ctx, cfg)
		if err != nil {
			if errors.Is(err, mcp.ErrPoolExhausted) || ctx.Err() != nil {
				return nil, err
			}
			log.Printf("[Orchestrator] Tool listing failed for %q, continuing without it: %v", cfg.Key, err)
			continue
		}
		for _, d := range serverDefs {
			if o.sanitizer.Check(mode, d.Name) != nil {
				continue
			}
			defs = append(defs, d)
		}
	}
	return defs, nil
}

func (o *Orchestrator) listServerTools(ctx context.Context, cfg mcp.ServerConfig) ([]llm.ToolDefinition, error) {
	o.toolMu.Lock()
	cached, ok := o.toolCache[cfg.Key]
	o.toolMu.Unlock()
	if ok {
		return cached, nil
	}

	pool, err := o.pools.GetOrCreate(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tools, err := pc.Conn().ListTools(ctx)
	if err != nil {
		pool.Release(pc, mcp.Broken)
		return nil, err
	}
	pool.Release(pc, mcp.Healthy)

	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	o.toolMu.Lock()
	o.toolCache[cfg.Key] = defs
	o.toolMu.Unlock()
	return defs, nil
}

func prefixInMode(serverPrefix string, modePrefixes []string) bool {
	for _, p := range modePrefixes {
		if strings.HasPrefix(serverPrefix, p) || strings.HasPrefix(p, serverPrefix) {
			return true
		}
	}
	return false
}

// toolFeedback wraps content as the tool-role message answering one call.
func toolFeedback(call llm.ToolRequest, content string) llm.Message {
	return llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID}
}

// renderToolResult flattens a tool result into the text fed back to the
// model: structured content as JSON when present, text otherwise. Binary
// payloads are represented by a placeholder; they travel as artifacts.
func renderToolResult(res mcp.ToolResult) string {
	if res.Structured != nil {
		if data, err := json.Marshal(res.Structured); err == nil {
			if res.Text != "" {
				return string(data) + "\n" + res.Text
			}
			return string(data)
		}
	}
	if res.Text != "" {
		return res.Text
	}
	if len(res.Binary) > 0 {
		return fmt.Sprintf("(binary %s, %d bytes)", res.MIMEType, len(res.Binary))
	}
	return ""
}

// artifactFromResult recognizes diagram payloads in a tool result: PNG
// bytes or SVG text are forwarded untouched in whichever format the
// server produced.
func artifactFromResult(res mcp.ToolResult) *Event {
	if len(res.Binary) > 0 && strings.HasPrefix(res.MIMEType, "image/") {
		ev := ArtifactEvent("diagram", res.Binary, "")
		return &ev
	}
	if strings.Contains(res.Text, "<svg") {
		ev := ArtifactEvent("diagram", nil, res.Text)
		return &ev
	}
	return nil
}
