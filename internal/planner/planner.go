// Package planner defines the contract with the external planning model
// that drives the orchestration loop: given the conversation and the
// declared capabilities it either requests capability invocations or
// produces the final answer.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
)

var (
	// ErrMalformedResponse is returned when the planner output cannot be
	// interpreted: no tool calls and no answer, or unparsable arguments.
	ErrMalformedResponse = errors.New("malformed planner response")
	// ErrPlanningFailed wraps transport and provider failures.
	ErrPlanningFailed = errors.New("planning failed")
)

// Request is one planning call.
type Request struct {
	Messages []models.ChatMessage
	Tools    []models.ToolSchema
	// Hint is the routing decision for the turn's query, if any.
	Hint *models.RoutingDecision
}

// Response carries either tool calls or a final answer.
type Response struct {
	ToolCalls []models.ToolCall
	Answer    string
	Rationale string
	// Partial marks Rationale as text written for the user, usable as the
	// best available answer when the turn runs out of iterations.
	Partial bool
}

// Final reports whether the response ends the turn.
func (r *Response) Final() bool { return len(r.ToolCalls) == 0 }

// Planner is the external planning model.
type Planner interface {
	Plan(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Planner interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Plan(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// New builds the planner selected by cfg.Provider.
func New(cfg config.PlannerConfig) (Planner, error) {
	switch cfg.Provider {
	case "openai", "":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai planner: OPENAI_API_KEY or OPENAI_BASE_URL is required")
		}
		return NewOpenAIPlanner(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "heuristic", "scripted":
		return NewHeuristic(), nil
	default:
		return nil, fmt.Errorf("unknown planner provider %q", cfg.Provider)
	}
}

// SystemPrompt frames the planner as a security operations assistant.
const SystemPrompt = `You are a security operations assistant. Answer the user's question using the tools provided.
Call a tool only when the question needs information you do not have; call several tools when the question spans
policy, authentication logs and external threat intelligence. When the tool results are sufficient, answer concisely
and cite the sources you used. If a tool reports that permission was denied, tell the user which information you could not access.`

// hintText renders the routing decision as planner context.
func hintText(d *models.RoutingDecision) string {
	caps := d.Flags.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	return fmt.Sprintf("Routing hint (%s, confidence %.2f): this question most likely needs %s.",
		d.Method, d.Confidence, strings.Join(names, ", "))
}
