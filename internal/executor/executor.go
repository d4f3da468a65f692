// Package executor implements the tool orchestration loop.
//
// One turn runs the state machine
//
//	PLANNING → DISPATCHING → FOLDING → (PLANNING | DONE | BUDGET_EXHAUSTED)
//
// under a session lease from Conversation Memory: the planner sees the
// session history plus the declared capability schemas and either requests
// capability invocations or answers. Every invocation request passes the
// Permission Gate and produces exactly one ReasoningStep, allowed or denied,
// successful or failed; each turn ends with exactly one terminal step.
//
// The iteration ceiling counts planning calls. When the planner still
// requests tools on the last allowed iteration, those requests are not
// dispatched and the turn ends BUDGET_EXHAUSTED, so tool_call steps plus
// the terminal step always equal the iterations run whenever each
// iteration requests one call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/capabilities"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/planner"
	"github.com/agentoven/triage/internal/rbac"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/sessions"
	"github.com/agentoven/triage/internal/telemetry"
	"github.com/agentoven/triage/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrEmptyQuery rejects a turn without query text.
var ErrEmptyQuery = errors.New("empty query")

// Loop modes.
const (
	// ModeAgent declares every registered capability to the planner.
	ModeAgent = "agent"
	// ModeRouted declares only the capabilities of the routing decision.
	ModeRouted = "routed"
)

// Defaults.
const (
	DefaultMaxIterations = 5
	DefaultTurnDeadline  = 60 * time.Second
	DefaultPreviewChars  = 200
)

// User-visible terminal messages.
const (
	BudgetExhaustedMessage = "I gathered information but could not complete the answer within the allowed steps. Please narrow the question."
	TimeoutMessage         = "I ran out of time before completing the answer. The partial results gathered so far are not reliable; please try again or narrow the question."
	PlanningFailureMessage = "I'm sorry, I could not work out how to answer your question right now. Please try again in a moment."
)

// AbortedSummary is the result summary of calls skipped after the deadline.
const AbortedSummary = "aborted: turn deadline exceeded"

// Executor runs turns.
type Executor struct {
	router   *router.Engine
	gate     *rbac.Gate
	caps     *capabilities.Registry
	planner  planner.Planner
	memory   *sessions.Memory
	recorder *audit.Recorder

	mode           string
	maxIterations  int
	deadline       time.Duration
	plannerRetries int
	capRetries     int
	previewChars   int
	retryInterval  time.Duration
	turns          *semaphore.Weighted

	now    func() time.Time
	tracer trace.Tracer

	mu       sync.Mutex
	outcomes map[models.TurnOutcome]uint64
}

// Option configures an Executor.
type Option func(*Executor)

func WithMode(mode string) Option             { return func(e *Executor) { e.mode = mode } }
func WithMaxIterations(n int) Option          { return func(e *Executor) { e.maxIterations = n } }
func WithTurnDeadline(d time.Duration) Option { return func(e *Executor) { e.deadline = d } }
func WithPlannerRetries(n int) Option         { return func(e *Executor) { e.plannerRetries = n } }
func WithCapabilityRetries(n int) Option      { return func(e *Executor) { e.capRetries = n } }
func WithPreviewChars(n int) Option           { return func(e *Executor) { e.previewChars = n } }
func WithRecorder(r *audit.Recorder) Option   { return func(e *Executor) { e.recorder = r } }
func WithClock(now func() time.Time) Option   { return func(e *Executor) { e.now = now } }

// WithRetryInterval sets the initial planner retry backoff.
func WithRetryInterval(d time.Duration) Option { return func(e *Executor) { e.retryInterval = d } }

// WithMaxConcurrentTurns bounds how many turns run at once across sessions.
func WithMaxConcurrentTurns(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.turns = semaphore.NewWeighted(int64(n))
		}
	}
}

// FromConfig maps the loop configuration to options.
func FromConfig(cfg config.LoopConfig) []Option {
	return []Option{
		WithMode(cfg.Mode),
		WithMaxIterations(cfg.MaxIterations),
		WithTurnDeadline(cfg.TurnDeadline),
		WithPlannerRetries(cfg.PlannerRetries),
		WithCapabilityRetries(cfg.CapabilityRetries),
		WithPreviewChars(cfg.PreviewChars),
		WithMaxConcurrentTurns(cfg.MaxConcurrentTurns),
	}
}

// New creates an executor.
func New(rt *router.Engine, gate *rbac.Gate, caps *capabilities.Registry, p planner.Planner, mem *sessions.Memory, opts ...Option) *Executor {
	e := &Executor{
		router:         rt,
		gate:           gate,
		caps:           caps,
		planner:        p,
		memory:         mem,
		mode:           ModeAgent,
		maxIterations:  DefaultMaxIterations,
		deadline:       DefaultTurnDeadline,
		plannerRetries: 2,
		capRetries:     1,
		previewChars:   DefaultPreviewChars,
		retryInterval:  250 * time.Millisecond,
		turns:          semaphore.NewWeighted(32),
		now:            func() time.Time { return time.Now().UTC() },
		tracer:         telemetry.Tracer("executor"),
		outcomes:       make(map[models.TurnOutcome]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	if e.maxIterations <= 0 {
		e.maxIterations = DefaultMaxIterations
	}
	if e.deadline <= 0 {
		e.deadline = DefaultTurnDeadline
	}
	if e.previewChars <= 0 {
		e.previewChars = DefaultPreviewChars
	}
	e.plannerRetries = max(e.plannerRetries, 0)
	e.capRetries = max(e.capRetries, 0)
	return e
}

// turn is the mutable state of one running turn.
type turn struct {
	id       string
	role     string
	lease    *sessions.Lease
	declared map[models.Capability]bool
	schemas  []models.ToolSchema
	decision models.RoutingDecision
	result   *models.TurnResult
	lastText string
}

// ── Turn ─────────────────────────────────────────────────────

// RunTurn runs one query to a terminal state. Errors are returned only
// when the turn could not start: empty query, admission or session lease
// not obtained before ctx ended. Everything after that ends in a result.
func (e *Executor) RunTurn(ctx context.Context, q models.Query) (*models.TurnResult, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}
	start := time.Now()

	if err := e.turns.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("turn admission: %w", err)
	}
	defer e.turns.Release(1)

	ctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	lease, err := e.memory.Acquire(ctx, q.SessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer lease.Release()

	t := &turn{
		id:    uuid.New().String(),
		role:  q.Role,
		lease: lease,
		result: &models.TurnResult{
			SessionID:  lease.SessionID(),
			NewSession: lease.Created(),
			Usage:      models.TurnUsage{Invocations: map[models.Capability]int{}},
		},
	}
	t.result.TurnID = t.id
	ctx = audit.WithTurn(ctx, t.result.SessionID, t.id)

	ctx, span := e.tracer.Start(ctx, "executor.turn", trace.WithAttributes(
		attribute.String("session.id", t.result.SessionID),
		attribute.String("turn.id", t.id),
		attribute.String("user.role", q.Role),
	))
	defer span.End()

	t.decision = e.router.Decide(ctx, q.Text, q.Role)
	t.result.Decision = t.decision
	t.schemas = e.declare(t.decision)
	t.declared = make(map[models.Capability]bool, len(t.schemas))
	for _, s := range t.schemas {
		t.declared[s.Name] = true
	}

	lease.Append(models.ChatMessage{Role: models.RoleUser, Content: q.Text})
	e.loop(ctx, t)

	t.result.LatencyMs = time.Since(start).Milliseconds()
	span.SetAttributes(
		attribute.String("turn.outcome", string(t.result.Outcome)),
		attribute.Int("turn.iterations", t.result.Iterations),
	)
	if t.result.Outcome != models.OutcomeDone {
		span.SetStatus(codes.Error, string(t.result.Outcome))
	}

	e.mu.Lock()
	e.outcomes[t.result.Outcome]++
	e.mu.Unlock()

	log.Info().
		Str("session_id", t.result.SessionID).
		Str("turn_id", t.id).
		Str("role", q.Role).
		Str("outcome", string(t.result.Outcome)).
		Int("iterations", t.result.Iterations).
		Int64("latency_ms", t.result.LatencyMs).
		Msg("Turn complete")
	return t.result, nil
}

// declare picks the capability schemas the planner may use this turn.
func (e *Executor) declare(d models.RoutingDecision) []models.ToolSchema {
	if e.mode == ModeRouted {
		return e.caps.Schemas(d.Flags.Capabilities())
	}
	return e.caps.Schemas(nil)
}

func (e *Executor) loop(ctx context.Context, t *turn) {
	for iter := 1; ; iter++ {
		if ctx.Err() != nil {
			e.terminate(ctx, t, iter-1, models.OutcomeTimeout, "")
			return
		}
		t.result.Iterations = iter

		// PLANNING
		resp, err := e.plan(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				e.terminate(ctx, t, iter, models.OutcomeTimeout, "")
			} else {
				e.terminate(ctx, t, iter, models.OutcomePlanningFailure, err.Error())
			}
			return
		}

		if resp.Final() {
			t.lease.Append(models.ChatMessage{Role: models.RoleAssistant, Content: resp.Answer})
			t.lastText = resp.Answer
			e.terminate(ctx, t, iter, models.OutcomeDone, resp.Rationale)
			return
		}
		if resp.Partial && resp.Rationale != "" {
			t.lastText = resp.Rationale
		}
		if iter >= e.maxIterations {
			e.terminate(ctx, t, iter, models.OutcomeBudgetExhausted, resp.Rationale)
			return
		}

		// DISPATCHING + FOLDING
		calls := append([]models.ToolCall(nil), resp.ToolCalls...)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", iter, i)
			}
		}
		t.lease.Append(models.ChatMessage{Role: models.RoleAssistant, Content: resp.Rationale, ToolCalls: calls})
		for _, call := range calls {
			var (
				step    models.ReasoningStep
				content string
			)
			if ctx.Err() != nil {
				step, content = e.abort(ctx, t, iter, call, resp.Rationale)
			} else {
				step, content = e.dispatch(ctx, t, iter, call, resp.Rationale)
			}
			t.lease.Append(models.ChatMessage{
				Role:       models.RoleTool,
				Name:       call.Name,
				ToolCallID: call.ID,
				Content:    content,
			})
			e.appendStep(t, step)
		}
		if ctx.Err() != nil {
			e.terminate(ctx, t, iter, models.OutcomeTimeout, "")
			return
		}
	}
}

// plan calls the planner with bounded exponential-backoff retries.
func (e *Executor) plan(ctx context.Context, t *turn) (*planner.Response, error) {
	ctx, span := e.tracer.Start(ctx, "executor.plan")
	defer span.End()

	req := planner.Request{
		Messages: t.lease.Session().Messages,
		Tools:    t.schemas,
		Hint:     &t.decision,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxInterval = 4 * e.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.plannerRetries)), ctx)

	var resp *planner.Response
	err := backoff.Retry(func() error {
		t.result.Usage.PlannerCalls++
		r, err := e.planner.Plan(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Str("turn_id", t.id).Msg("Planner call failed")
			return err
		}
		if r == nil || (r.Final() && strings.TrimSpace(r.Answer) == "") {
			return fmt.Errorf("%w: empty response", planner.ErrMalformedResponse)
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "planning failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("plan.tool_calls", len(resp.ToolCalls)))
	return resp, nil
}

// ── Dispatch ─────────────────────────────────────────────────

// dispatch runs one invocation request and returns its step and the tool
// message content folded back to the planner.
func (e *Executor) dispatch(ctx context.Context, t *turn, iter int, call models.ToolCall, rationale string) (models.ReasoningStep, string) {
	capName := models.Capability(call.Name)
	step := models.ReasoningStep{
		TurnID:     t.id,
		Iteration:  iter,
		Kind:       models.StepToolCall,
		Capability: capName,
		CallID:     call.ID,
		Arguments:  call.Arguments,
		Rationale:  rationale,
		At:         e.now(),
	}

	if !t.declared[capName] {
		step.ResultSummary = fmt.Sprintf("unknown capability %q", call.Name)
		e.recordInvocation(ctx, t, step, 0)
		return step, "Error: " + step.ResultSummary
	}

	pd := e.gate.Authorize(t.role, capName)
	e.recordPermission(ctx, t, pd)
	if !pd.Allowed {
		t.result.Usage.Denied++
		step.ResultSummary = pd.Reason
		if !strings.HasPrefix(pd.Reason, "permission denied") {
			step.ResultSummary = "permission denied: " + pd.Reason
		}
		e.recordInvocation(ctx, t, step, 0)
		return step, fmt.Sprintf("Permission denied: the %s capability is not available to role %q. Tell the user this information could not be accessed.", capName.Label(), t.role)
	}

	c, err := e.caps.Get(capName)
	if err != nil {
		step.ResultSummary = err.Error()
		e.recordInvocation(ctx, t, step, 0)
		return step, "Error: " + step.ResultSummary
	}

	ctx, span := e.tracer.Start(ctx, "executor.dispatch", trace.WithAttributes(
		attribute.String("capability", string(capName)),
		attribute.String("call.id", call.ID),
	))
	defer span.End()

	start := time.Now()
	var res *capabilities.Result
	attempts := 0
	for attempts <= e.capRetries {
		attempts++
		t.result.Usage.Invocations[capName]++
		res, err = c.Invoke(ctx, call.Arguments, t.role)
		if err == nil || ctx.Err() != nil || errors.Is(err, capabilities.ErrInvalidArguments) {
			break
		}
		log.Warn().Err(err).Str("capability", string(capName)).Int("attempt", attempts).Msg("Capability invocation failed")
	}
	step.LatencyMs = time.Since(start).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invocation failed")
		step.ResultSummary = truncate("error: "+err.Error(), e.previewChars)
		e.recordInvocation(ctx, t, step, attempts)
		return step, "Error: " + err.Error()
	}

	content := ""
	if res != nil {
		content = res.Content
	}
	step.Success = true
	step.ResultSummary = truncate(content, e.previewChars)
	e.markUsed(t, capName)
	e.recordInvocation(ctx, t, step, attempts)
	return step, content
}

// abort records a call that was never invoked because the turn deadline
// passed while an earlier call of the same iteration ran.
func (e *Executor) abort(ctx context.Context, t *turn, iter int, call models.ToolCall, rationale string) (models.ReasoningStep, string) {
	step := models.ReasoningStep{
		TurnID:        t.id,
		Iteration:     iter,
		Kind:          models.StepToolCall,
		Capability:    models.Capability(call.Name),
		CallID:        call.ID,
		Arguments:     call.Arguments,
		Rationale:     rationale,
		ResultSummary: AbortedSummary,
		At:            e.now(),
	}
	e.recordInvocation(ctx, t, step, 0)
	return step, "Error: " + AbortedSummary
}

func (e *Executor) markUsed(t *turn, c models.Capability) {
	for _, used := range t.result.Usage.CapabilitiesUsed {
		if used == c {
			return
		}
	}
	t.result.Usage.CapabilitiesUsed = append(t.result.Usage.CapabilitiesUsed, c)
}

func (e *Executor) appendStep(t *turn, step models.ReasoningStep) {
	t.lease.AppendStep(step)
	t.result.Steps = append(t.result.Steps, step)
}

// ── Terminal ─────────────────────────────────────────────────

func (e *Executor) terminate(ctx context.Context, t *turn, iter int, outcome models.TurnOutcome, note string) {
	step := models.ReasoningStep{
		TurnID:    t.id,
		Iteration: iter,
		Rationale: note,
		At:        e.now(),
	}
	switch outcome {
	case models.OutcomeDone:
		step.Kind = models.StepFinalAnswer
		step.Success = true
		step.ResultSummary = truncate(t.lastText, e.previewChars)
		t.result.Answer = t.lastText
		t.result.Authoritative = true
	case models.OutcomeBudgetExhausted:
		step.Kind = models.StepBudgetExhausted
		t.result.Answer = t.lastText
		if strings.TrimSpace(t.result.Answer) == "" {
			t.result.Answer = BudgetExhaustedMessage
		}
		step.ResultSummary = fmt.Sprintf("iteration ceiling %d reached", e.maxIterations)
	case models.OutcomeTimeout:
		step.Kind = models.StepBudgetExhausted
		step.Timeout = true
		step.ResultSummary = fmt.Sprintf("turn deadline %s exceeded", e.deadline)
		t.result.Answer = TimeoutMessage
	case models.OutcomePlanningFailure:
		step.Kind = models.StepPlanningFailure
		step.ResultSummary = truncate(note, e.previewChars)
		t.result.Answer = PlanningFailureMessage
	}
	t.result.Outcome = outcome
	t.result.Iterations = iter

	e.appendStep(t, step)
	e.recordTerminal(ctx, t, step)

	if outcome != models.OutcomeDone {
		t.lease.Append(models.ChatMessage{Role: models.RoleAssistant, Content: t.result.Answer})
	}
}

// ── Audit ────────────────────────────────────────────────────

func (e *Executor) recordPermission(ctx context.Context, t *turn, pd models.PermissionDecision) {
	ref := audit.TurnFrom(ctx)
	e.recorder.Record(models.AuditEvent{
		Kind:      models.AuditPermissionDecision,
		SessionID: ref.SessionID,
		TurnID:    ref.TurnID,
		Role:      t.role,
		Details: map[string]any{
			"capability": string(pd.Capability),
			"allowed":    pd.Allowed,
			"reason":     pd.Reason,
		},
	})
}

func (e *Executor) recordInvocation(ctx context.Context, t *turn, step models.ReasoningStep, attempts int) {
	ref := audit.TurnFrom(ctx)
	e.recorder.Record(models.AuditEvent{
		Kind:      models.AuditToolInvocation,
		SessionID: ref.SessionID,
		TurnID:    ref.TurnID,
		Role:      t.role,
		Details: map[string]any{
			"iteration":  step.Iteration,
			"capability": string(step.Capability),
			"call_id":    step.CallID,
			"arguments":  step.Arguments,
			"success":    step.Success,
			"summary":    step.ResultSummary,
			"attempts":   attempts,
			"latency_ms": step.LatencyMs,
		},
	})
}

func (e *Executor) recordTerminal(ctx context.Context, t *turn, step models.ReasoningStep) {
	ref := audit.TurnFrom(ctx)
	e.recorder.Record(models.AuditEvent{
		Kind:      models.AuditLoopTerminal,
		SessionID: ref.SessionID,
		TurnID:    ref.TurnID,
		Role:      t.role,
		Details: map[string]any{
			"outcome":           string(t.result.Outcome),
			"kind":              string(step.Kind),
			"iterations":        t.result.Iterations,
			"timeout":           step.Timeout,
			"planner_calls":     t.result.Usage.PlannerCalls,
			"capabilities_used": t.result.Usage.CapabilitiesUsed,
			"denied":            t.result.Usage.Denied,
			"routing_method":    string(t.decision.Method),
			"routing_flags":     t.decision.Flags.Key(),
		},
	})
}

// ── Stats ────────────────────────────────────────────────────

// Stats counts finished turns by outcome.
type Stats struct {
	Turns    uint64                        `json:"turns"`
	Outcomes map[models.TurnOutcome]uint64 `json:"outcomes"`
	Mode     string                        `json:"mode"`
}

func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{Outcomes: make(map[models.TurnOutcome]uint64, len(e.outcomes)), Mode: e.mode}
	for k, v := range e.outcomes {
		st.Outcomes[k] = v
		st.Turns += v
	}
	return st
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
