package models

import "time"

// ══════════════════════════════════════════════════════════════
// ── Conversations & Turns ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one entry of a session's message history.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages requesting tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool result messages
	Name       string     `json:"name,omitempty"`         // capability name for tool messages
}

// ToolCall is one capability invocation requested by the planner.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolSchema declares one capability to the planner.
type ToolSchema struct {
	Name        Capability     `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Query is the immutable input of one turn.
type Query struct {
	Text      string `json:"text"`
	Role      string `json:"role"`
	SessionID string `json:"session_id,omitempty"`
}

// StepKind classifies a reasoning step.
type StepKind string

const (
	StepToolCall        StepKind = "tool_call"
	StepFinalAnswer     StepKind = "final_answer"
	StepBudgetExhausted StepKind = "budget_exhausted"
	StepPlanningFailure StepKind = "planning_failure"
)

// Terminal reports whether the step ends a turn.
func (k StepKind) Terminal() bool {
	return k != StepToolCall
}

// ReasoningStep records one unit of loop progress. Appended, never mutated.
type ReasoningStep struct {
	TurnID        string         `json:"turn_id"`
	Iteration     int            `json:"iteration"`
	Kind          StepKind       `json:"kind"`
	Capability    Capability     `json:"capability,omitempty"`
	CallID        string         `json:"call_id,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	Success       bool           `json:"success"`
	ResultSummary string         `json:"result_summary,omitempty"`
	Rationale     string         `json:"rationale,omitempty"`
	Timeout       bool           `json:"timeout,omitempty"`
	LatencyMs     int64          `json:"latency_ms,omitempty"`
	At            time.Time      `json:"at"`
}

// Session is the TTL-bound conversational context spanning turns.
type Session struct {
	ID          string          `json:"id"`
	Messages    []ChatMessage   `json:"messages"`
	Steps       []ReasoningStep `json:"steps"`
	TurnCount   int             `json:"turn_count"`
	CreatedAt   time.Time       `json:"created_at"`
	LastTouched time.Time       `json:"last_touched"`
}

// Clone returns a deep-enough copy for readers outside the memory lock.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = append([]ChatMessage(nil), s.Messages...)
	cp.Steps = append([]ReasoningStep(nil), s.Steps...)
	return &cp
}

// Terminal outcomes of a turn.
type TurnOutcome string

const (
	OutcomeDone            TurnOutcome = "done"
	OutcomeBudgetExhausted TurnOutcome = "budget_exhausted"
	OutcomeTimeout         TurnOutcome = "timeout"
	OutcomePlanningFailure TurnOutcome = "planning_failure"
)

// TurnUsage counts what a turn consumed.
type TurnUsage struct {
	PlannerCalls     int                `json:"planner_calls"`
	Invocations      map[Capability]int `json:"invocations"`
	Denied           int                `json:"denied"`
	CapabilitiesUsed []Capability       `json:"capabilities_used"`
}

// TurnResult is what the orchestration loop returns for one turn.
type TurnResult struct {
	SessionID     string          `json:"session_id"`
	TurnID        string          `json:"turn_id"`
	Answer        string          `json:"answer"`
	Outcome       TurnOutcome     `json:"outcome"`
	Authoritative bool            `json:"authoritative"`
	Iterations    int             `json:"iterations"`
	Decision      RoutingDecision `json:"routing_decision"`
	Steps         []ReasoningStep `json:"steps"`
	Usage         TurnUsage       `json:"usage"`
	NewSession    bool            `json:"new_session"`
	LatencyMs     int64           `json:"latency_ms"`
}
