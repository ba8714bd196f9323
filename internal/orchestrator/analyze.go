package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/session"
)

const analyzeSystem = `You are an AWS solutions architect. Research the user's requirements with
the documentation tools available to you, then summarize the services and
architecture that fit. Be concrete about which AWS services to use and why.`

const structuringSystem = `Convert the research below into a single JSON object with exactly these
fields and no others:
  "executive_summary": string,
  "service_recommendations": [{"service": string, "purpose": string, "notes": string}],
  "architecture_sections": object mapping section name to description,
  "cost_insights": string.
Respond with JSON only, no prose and no code fences.`

const diagramSystem = `Generate an architecture diagram for the design below using the diagram
tools available to you. Call a diagram tool with a small source program
describing the components and their connections, then stop.`

const costingSystem = `Estimate the rough monthly cost of the design below using the pricing
tools available to you, then summarize the estimate in a short paragraph.`

// ServiceRecommendation is one entry of the structured analysis.
type ServiceRecommendation struct {
	Service string `json:"service"`
	Purpose string `json:"purpose"`
	Notes   string `json:"notes"`
}

// Analysis is the schema the structuring step must produce.
type Analysis struct {
	ExecutiveSummary       string                  `json:"executive_summary"`
	ServiceRecommendations []ServiceRecommendation `json:"service_recommendations"`
	ArchitectureSections   map[string]string       `json:"architecture_sections"`
	CostInsights           string                  `json:"cost_insights"`
}

// AnalyzeResult is the complete-event payload for analyze mode.
type AnalyzeResult struct {
	SessionID string    `json:"session_id"`
	Analysis  Analysis  `json:"analysis"`
	Diagram   *Artifact `json:"diagram,omitempty"`
	CostNotes string    `json:"cost_notes,omitempty"`
}

// Artifact mirrors an artifact event inside a complete payload.
type Artifact struct {
	Kind        string `json:"kind"`
	BytesBase64 string `json:"bytes_base64,omitempty"`
	Text        string `json:"text,omitempty"`
}

// runAnalyze turns a requirements paragraph into a structured analysis:
// Start → Researching → Structuring → Diagramming → Costing → Complete.
// Costing folds into the structured result when no pricing server is
// configured.
func (o *Orchestrator) runAnalyze(ctx context.Context, r *run, req Request) (any, error) {
	input := req.Input
	if req.Constraints != "" {
		input = input + "\n\nConstraints: " + req.Constraints
	}

	sess := r.sess
	sess.Lock()
	sess.Mode = ModeAnalyze
	sess.Buffer.PinSystem(analyzeSystem)
	sess.Buffer.Append(session.Entry{Role: llm.RoleUser, Content: input})
	msgs := sess.Buffer.Messages()
	sess.WorkingSpec = input
	sess.Unlock()

	// Researching
	r.emit(Thinking("researching", "Researching AWS services for the requirements"))
	tools, err := o.toolDefs(ctx, ModeAnalyze)
	if err != nil {
		return nil, err
	}
	research, err := o.planLoop(ctx, r, llm.PlanRequest{
		System:   analyzeSystem,
		Messages: msgs,
		Tools:    tools,
	}, false)
	if err != nil {
		return nil, err
	}

	// Structuring
	r.emit(Thinking("structuring", "Structuring the analysis"))
	analysis, err := o.structureAnalysis(ctx, input, research)
	if err != nil {
		return nil, err
	}

	// Diagramming
	r.emit(Thinking("diagramming", "Generating architecture diagram"))
	diagram, err := o.renderDiagram(ctx, r, analysis)
	if err != nil {
		return nil, err
	}
	if diagram != nil {
		r.emit(*diagram)
	}

	// Costing, when a pricing server is configured for this mode.
	costNotes := ""
	if o.hasPricingServer(ModeAnalyze) {
		r.emit(Thinking("costing", "Estimating monthly cost"))
		costNotes, err = o.estimateCost(ctx, r, research)
		if err != nil {
			return nil, err
		}
	}

	rawAnalysis, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal analysis: %w", err)
	}

	sess.Lock()
	sess.LastAnalysis = rawAnalysis
	sess.Buffer.Append(session.Entry{
		Role:      llm.RoleAssistant,
		Content:   analysis.ExecutiveSummary,
		ToolCalls: r.records,
	})
	sess.Unlock()

	result := AnalyzeResult{
		SessionID: sess.ID,
		Analysis:  analysis,
		CostNotes: costNotes,
	}
	if diagram != nil {
		result.Diagram = &Artifact{Kind: diagram.Kind, BytesBase64: diagram.BytesBase64, Text: diagram.Text}
	}
	return result, nil
}

// structureAnalysis asks the oracle for schema-conforming JSON, retrying
// once with the parse error when the first attempt is malformed.
func (o *Orchestrator) structureAnalysis(ctx context.Context, input, research string) (Analysis, error) {
	msgs := []llm.Message{{
		Role:    llm.RoleUser,
		Content: "Requirements:\n" + input + "\n\nResearch:\n" + research,
	}}

	for attempt := 0; attempt < 2; attempt++ {
		turn, err := o.oracle.Plan(ctx, llm.PlanRequest{System: structuringSystem, Messages: msgs})
		if err != nil {
			return Analysis{}, fmt.Errorf("orchestrator: structuring step: %w", err)
		}
		var analysis Analysis
		if err := json.Unmarshal([]byte(stripJSONWrapping(turn.Text)), &analysis); err != nil {
			msgs = append(msgs,
				llm.Message{Role: llm.RoleAssistant, Content: turn.Text},
				llm.Message{Role: llm.RoleUser, Content: "That was not valid JSON (" + err.Error() + "). Respond with the JSON object only."},
			)
			continue
		}
		return analysis, nil
	}
	return Analysis{}, &terminalError{kind: FailInternal, msg: "structuring step produced malformed JSON twice"}
}

// renderDiagram drives one short planning pass against the diagram server
// and returns the captured artifact. A diagram failure degrades the
// result rather than failing the run, but exhausted/closed pools and
// context errors stay fatal to the request; the artifact format (PNG or
// SVG) is whatever the server produced, forwarded untouched.
func (o *Orchestrator) renderDiagram(ctx context.Context, r *run, analysis Analysis) (*Event, error) {
	tools, err := o.modeToolsWithPrefix(ctx, r.mode, "diagram")
	if err != nil {
		return nil, err
	}
	if len(tools) == 0 {
		return nil, nil
	}
	summary, _ := json.Marshal(analysis)
	_, err = o.planLoop(ctx, r, llm.PlanRequest{
		System:   diagramSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Architecture:\n" + string(summary)}},
		Tools:    tools,
	}, false)
	if err != nil {
		if fatalDispatchErr(ctx, err) {
			return nil, err
		}
		return nil, nil
	}
	return r.takeArtifact(), nil
}

// estimateCost runs the pricing tools; a tool failure degrades to an
// empty estimate, while exhausted/closed pools and context errors fail
// the analysis.
func (o *Orchestrator) estimateCost(ctx context.Context, r *run, research string) (string, error) {
	tools, err := o.modeToolsWithPrefix(ctx, r.mode, "pricing")
	if err != nil {
		return "", err
	}
	if len(tools) == 0 {
		return "", nil
	}
	notes, err := o.planLoop(ctx, r, llm.PlanRequest{
		System:   costingSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Design:\n" + research}},
		Tools:    tools,
	}, false)
	if err != nil {
		if fatalDispatchErr(ctx, err) {
			return "", err
		}
		return "", nil
	}
	return notes, nil
}

// modeToolsWithPrefix filters a mode's tool definitions down to one tool
// family by name prefix fragment. Listing errors propagate: toolDefs only
// fails on exhausted pools or a dead context, both fatal to the request.
func (o *Orchestrator) modeToolsWithPrefix(ctx context.Context, mode, fragment string) ([]llm.ToolDefinition, error) {
	all, err := o.toolDefs(ctx, mode)
	if err != nil {
		return nil, err
	}
	var out []llm.ToolDefinition
	for _, d := range all {
		if strings.HasPrefix(d.Name, fragment) {
			out = append(out, d)
		}
	}
	return out, nil
}

// hasPricingServer reports whether a pricing-prefixed server is both
// configured and allowed for the mode.
func (o *Orchestrator) hasPricingServer(mode string) bool {
	for _, cfg := range o.servers {
		if strings.HasPrefix(cfg.ToolPrefix, "pricing") && prefixInMode(cfg.ToolPrefix, o.sanitizer.AllowedPrefixes(mode)) {
			return true
		}
	}
	return false
}

// stripJSONWrapping removes code fences or prose around a JSON object.
func stripJSONWrapping(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}
