// Package openai implements the llm.Oracle over the OpenAI-compatible
// chat completions protocol. Works with any endpoint speaking that API
// (litellm, Ollama, Azure, vLLM, etc.).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/cloudsage/cloud-sage/internal/llm"
	openailib "github.com/sashabaranov/go-openai"
)

// Client implements llm.Oracle.
type Client struct {
	client *openailib.Client
	config *Config
}

// GetConfig returns the client's configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// NewClient creates a new OpenAI-compatible oracle client.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Client{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// NewClientFromEnv creates a client using environment variables.
func NewClientFromEnv() (*Client, error) {
	config, err := NewConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}
	return NewClient(config)
}

// Plan runs one planning step and returns the model's turn.
func (c *Client) Plan(ctx context.Context, req llm.PlanRequest) (llm.Turn, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return llm.Turn{}, err
	}

	// Execute with bounded retries for transient errors.
	var resp openailib.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, lastErr = c.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return llm.Turn{}, ctx.Err()
		}
		if attempt < c.config.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			log.Printf("[LLM] Retry %d/%d after %v, error: %v", attempt+1, c.config.MaxRetries, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return llm.Turn{}, ctx.Err()
			}
		}
	}
	if lastErr != nil {
		return llm.Turn{}, fmt.Errorf("LLM plan failed after %d retries: %w", c.config.MaxRetries, lastErr)
	}
	if len(resp.Choices) == 0 {
		return llm.Turn{}, fmt.Errorf("no choices returned from LLM")
	}

	msg := resp.Choices[0].Message
	return llm.Turn{
		Text:         msg.Content,
		ToolRequests: convertToolCalls(msg.ToolCalls),
	}, nil
}

// StreamPlan runs one planning step, forwarding text deltas to onChunk,
// and returns the assembled turn. Tool-call fragments are accumulated by
// index across deltas. Falls back to Plan when no callback is provided or
// when stream creation fails.
func (c *Client) StreamPlan(ctx context.Context, req llm.PlanRequest, onChunk llm.StreamCallback) (llm.Turn, error) {
	if onChunk == nil {
		return c.Plan(ctx, req)
	}

	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return llm.Turn{}, err
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		log.Printf("[LLM] Stream creation failed, falling back to sync: %v", err)
		return c.Plan(ctx, req)
	}
	defer stream.Close()

	var sb strings.Builder
	calls := map[int]*toolCallDraft{}
	maxIndex := -1

	for {
		chunkResp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return llm.Turn{}, ctx.Err()
			}
			// Return partial content only when no tool calls are pending;
			// a half-assembled tool call is unusable.
			if sb.Len() > 0 && maxIndex < 0 {
				log.Printf("[LLM] Stream interrupted after %d chars: %v", sb.Len(), err)
				break
			}
			return llm.Turn{}, fmt.Errorf("stream recv error: %w", err)
		}
		if len(chunkResp.Choices) == 0 {
			continue
		}
		delta := chunkResp.Choices[0].Delta
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			onChunk(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxIndex {
				maxIndex = idx
			}
			draft, ok := calls[idx]
			if !ok {
				draft = &toolCallDraft{}
				calls[idx] = draft
			}
			if tc.ID != "" {
				draft.id = tc.ID
			}
			if tc.Function.Name != "" {
				draft.name += tc.Function.Name
			}
			draft.args.WriteString(tc.Function.Arguments)
		}
	}

	turn := llm.Turn{Text: sb.String()}
	for i := 0; i <= maxIndex; i++ {
		draft, ok := calls[i]
		if !ok {
			continue
		}
		args := draft.args.String()
		if args == "" {
			args = "{}"
		}
		turn.ToolRequests = append(turn.ToolRequests, llm.ToolRequest{
			ID:        draft.id,
			Name:      draft.name,
			Arguments: json.RawMessage(args),
		})
	}
	return turn, nil
}

// toolCallDraft accumulates fragments of one streamed tool call.
type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

// buildRequest converts a PlanRequest into the provider wire format.
func (c *Client) buildRequest(req llm.PlanRequest, stream bool) (openailib.ChatCompletionRequest, error) {
	if req.System == "" && len(req.Messages) == 0 {
		return openailib.ChatCompletionRequest{}, fmt.Errorf("no messages to send")
	}

	msgs := make([]openailib.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openailib.ChatCompletionMessage{
			Role:    openailib.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		out := openailib.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openailib.ToolCall{
				ID:   tc.ID,
				Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		msgs = append(msgs, out)
	}

	chatReq := openailib.ChatCompletionRequest{
		Model:    c.config.Model,
		Messages: msgs,
		Stream:   stream,
	}
	if c.config.Temperature != nil {
		chatReq.Temperature = *c.config.Temperature
	}
	if c.config.MaxTokens > 0 {
		chatReq.MaxTokens = c.config.MaxTokens
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return chatReq, nil
}

// convertToolCalls maps provider tool calls to oracle tool requests.
func convertToolCalls(calls []openailib.ToolCall) []llm.ToolRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolRequest, 0, len(calls))
	for _, tc := range calls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, llm.ToolRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}

// GetName returns the provider name for health reporting.
func (c *Client) GetName() string {
	return fmt.Sprintf("openai-compatible (%s)", c.config.Model)
}
