package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/session"
)

const generateSystem = `You are an AWS infrastructure engineer. Produce a CloudFormation YAML
template satisfying the user's requirements, using the template and
diagram tools available to you for generation and verification. Never
call anything that would deploy or modify real resources. Output the
final template in a single fenced yaml code block, followed by short
deployment instructions.`

// GenerateResult is the complete-event payload for generate mode.
type GenerateResult struct {
	SessionID       string   `json:"session_id"`
	Template        string   `json:"template"`
	Resources       []string `json:"resources"`
	Parameters      []string `json:"parameters"`
	Outputs         []string `json:"outputs"`
	DeployHint      string   `json:"deploy_hint"`
	Instructions    string   `json:"instructions,omitempty"`
	ValidationError string   `json:"validation_error,omitempty"`
}

// runGenerate produces an infrastructure-as-code template:
// Start → Planning → Generating → Validating → Complete.
func (o *Orchestrator) runGenerate(ctx context.Context, r *run, req Request) (any, error) {
	sess := r.sess

	// Planning: assemble the prompt, carrying any prior template verbatim
	// so a revision request edits rather than regenerates.
	r.emit(Thinking("planning", "Planning template generation"))

	sess.Lock()
	sess.Mode = ModeGenerate
	sess.Buffer.PinSystem(generateSystem)
	priorTemplate := req.ExistingTemplate
	if priorTemplate == "" {
		priorTemplate = sess.LastTemplate
	}
	workingSpec := sess.WorkingSpec
	input := req.Input
	if priorTemplate != "" {
		input += "\n\nExisting template to revise (keep unrelated parts unchanged):\n```yaml\n" + priorTemplate + "\n```"
	}
	if workingSpec != "" {
		input += "\n\nWorking requirements from earlier in this session:\n" + workingSpec
	}
	sess.Buffer.Append(session.Entry{Role: llm.RoleUser, Content: req.Input})
	sess.Unlock()

	tools, err := o.toolDefs(ctx, ModeGenerate)
	if err != nil {
		return nil, err
	}

	// Generating
	r.emit(Thinking("generating", "Generating CloudFormation template"))
	answer, err := o.planLoop(ctx, r, llm.PlanRequest{
		System:   generateSystem,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: input}},
		Tools:    tools,
	}, true)
	if err != nil {
		return nil, err
	}

	template, instructions := extractTemplate(answer)
	if template == "" {
		return nil, &terminalError{kind: FailInternal, msg: "model produced no template block"}
	}

	// Validating
	r.emit(Thinking("validating", "Validating template structure"))
	result := GenerateResult{
		SessionID:    sess.ID,
		Template:     template,
		Instructions: instructions,
		DeployHint:   deployHint,
	}
	resources, parameters, outputs, verr := summarizeTemplate(template)
	if verr != nil {
		// The template still ships; the client sees what to fix.
		result.ValidationError = verr.Error()
	} else {
		result.Resources = resources
		result.Parameters = parameters
		result.Outputs = outputs
	}

	r.emit(ArtifactEvent("template", nil, template))

	sess.Lock()
	sess.LastTemplate = template
	sess.Buffer.Append(session.Entry{
		Role:      llm.RoleAssistant,
		Content:   instructions,
		ToolCalls: r.records,
	})
	sess.Unlock()

	return result, nil
}

// extractTemplate pulls the last fenced yaml block out of the answer and
// returns it with the remaining prose as instructions. Falls back to
// treating the whole answer as a template when it has no fences but looks
// like one.
func extractTemplate(answer string) (template, instructions string) {
	const fence = "```"
	var blocks []string
	rest := answer
	var prose strings.Builder
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			prose.WriteString(rest)
			break
		}
		prose.WriteString(rest[:start])
		body := rest[start+len(fence):]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:] // drop the language tag line
		}
		end := strings.Index(body, fence)
		if end < 0 {
			blocks = append(blocks, body)
			break
		}
		blocks = append(blocks, body[:end])
		rest = body[end+len(fence):]
	}

	if len(blocks) > 0 {
		return strings.TrimSpace(blocks[len(blocks)-1]), strings.TrimSpace(prose.String())
	}
	if strings.Contains(answer, "Resources:") {
		return strings.TrimSpace(answer), ""
	}
	return "", strings.TrimSpace(answer)
}

// CloudFormation shorthand intrinsics are YAML local tags that a generic
// decoder rejects; they are stripped for structural validation only.
var intrinsicRe = regexp.MustCompile(`!(Ref|GetAtt|Sub|Join|Select|Split|ImportValue|FindInMap|Base64|Cidr|If|Not|And|Or|Equals|Condition)\b`)

// summarizeTemplate parses the template and lists its resource, parameter
// and output logical ids.
func summarizeTemplate(template string) (resources, parameters, outputs []string, err error) {
	var doc struct {
		Resources  map[string]any `yaml:"Resources"`
		Parameters map[string]any `yaml:"Parameters"`
		Outputs    map[string]any `yaml:"Outputs"`
	}
	if err := yaml.Unmarshal([]byte(intrinsicRe.ReplaceAllString(template, "")), &doc); err != nil {
		return nil, nil, nil, fmt.Errorf("template is not valid YAML: %w", err)
	}
	if len(doc.Resources) == 0 {
		return nil, nil, nil, fmt.Errorf("template has no Resources section")
	}
	return sortedKeys(doc.Resources), sortedKeys(doc.Parameters), sortedKeys(doc.Outputs), nil
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// deployHint is the command the user would run themselves; the core never
// deploys anything.
const deployHint = "aws cloudformation deploy --template-file template.yaml --stack-name <stack-name> --capabilities CAPABILITY_IAM"
