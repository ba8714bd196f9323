package orchestrator

import (
	"context"

	"github.com/cloudsage/cloud-sage/internal/llm"
	"github.com/cloudsage/cloud-sage/internal/session"
)

const brainstormSystem = `You are an AWS solutions assistant. Answer the user's question using the
documentation-search tools available to you. Ground every claim in the
documentation you retrieved and include the source URLs inline in your
answer. End your answer with two or three short follow-up questions the
user might ask next, each on its own line ending with a question mark.`

// BrainstormResult is the complete-event payload for brainstorm mode.
type BrainstormResult struct {
	SessionID string   `json:"session_id"`
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	FollowUps []string `json:"follow_ups"`
}

// runBrainstorm answers an AWS question with citations and follow-ups:
// Start → Researching → Answering → Complete.
func (o *Orchestrator) runBrainstorm(ctx context.Context, r *run, req Request) (any, error) {
	sess := r.sess
	sess.Lock()
	sess.Mode = ModeBrainstorm
	sess.Buffer.PinSystem(brainstormSystem)
	sess.Buffer.Append(session.Entry{Role: llm.RoleUser, Content: req.Input})
	msgs := sess.Buffer.Messages()
	sess.Unlock()

	r.emit(Thinking("researching", "Searching AWS documentation"))

	tools, err := o.toolDefs(ctx, ModeBrainstorm)
	if err != nil {
		return nil, err
	}

	answer, err := o.planLoop(ctx, r, llm.PlanRequest{
		System:   brainstormSystem,
		Messages: msgs,
		Tools:    tools,
	}, true)
	if err != nil {
		return nil, err
	}

	r.emit(Thinking("answering", "Composing answer"))

	citations := extractCitations(answer, r.resultTexts)
	body, followUps := splitFollowUps(answer)

	sess.Lock()
	sess.Buffer.Append(session.Entry{
		Role:      llm.RoleAssistant,
		Content:   answer,
		ToolCalls: r.records,
		Citations: citations,
	})
	sess.Unlock()

	return BrainstormResult{
		SessionID: sess.ID,
		Answer:    body,
		Citations: citations,
		FollowUps: followUps,
	}, nil
}
