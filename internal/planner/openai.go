package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/triage/pkg/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIPlanner plans through an OpenAI-compatible chat completions API
// with function calling.
type OpenAIPlanner struct {
	client openai.Client
	model  string
}

// NewOpenAIPlanner creates a planner. baseURL may be empty for the public API.
// Retries are left to the orchestration loop.
func NewOpenAIPlanner(apiKey, model, baseURL string) *OpenAIPlanner {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIPlanner{client: openai.NewClient(opts...), model: model}
}

func (p *OpenAIPlanner) Plan(ctx context.Context, req Request) (*Response, error) {
	messages, err := toOpenAIMessages(req)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        string(t.Name),
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.Parameters),
			},
		})
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", ErrPlanningFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	msg := resp.Choices[0].Message
	out := &Response{Answer: strings.TrimSpace(msg.Content)}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("%w: arguments of %s: %v", ErrMalformedResponse, tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	if len(out.ToolCalls) > 0 {
		// Text alongside tool calls is the model's reasoning, not an answer.
		// It is still prose addressed to the user.
		out.Rationale, out.Answer = out.Answer, ""
		out.Partial = out.Rationale != ""
	} else if out.Answer == "" {
		return nil, fmt.Errorf("%w: neither tool calls nor answer", ErrMalformedResponse)
	}
	return out, nil
}

func toOpenAIMessages(req Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(SystemPrompt)}
	if req.Hint != nil {
		out = append(out, openai.SystemMessage(hintText(req.Hint)))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case models.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case models.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case models.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				raw, err := json.Marshal(tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("encode arguments of %s: %w", tc.Name, err)
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out, nil
}
