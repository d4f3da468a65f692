package executor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/capabilities"
	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/executor"
	"github.com/agentoven/triage/internal/planner"
	"github.com/agentoven/triage/internal/rbac"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/sessions"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyCapability counts invocations and delegates to fn.
type spyCapability struct {
	name  models.Capability
	calls atomic.Int64
	fn    func(ctx context.Context, n int64) (*capabilities.Result, error)
}

func newSpy(name models.Capability) *spyCapability {
	return &spyCapability{name: name}
}

func (s *spyCapability) Name() models.Capability { return s.name }
func (s *spyCapability) Schema() models.ToolSchema {
	return models.ToolSchema{Name: s.name, Description: "spy", Parameters: map[string]any{"type": "object"}}
}
func (s *spyCapability) Invoke(ctx context.Context, _ map[string]any, _ string) (*capabilities.Result, error) {
	n := s.calls.Add(1)
	if s.fn != nil {
		return s.fn(ctx, n)
	}
	return &capabilities.Result{Content: "result from " + string(s.name)}, nil
}

type harness struct {
	exec   *executor.Executor
	memory *sessions.Memory
	ring   *audit.RingSink
	spies  map[models.Capability]*spyCapability
}

func newHarness(t *testing.T, p planner.Planner, opts ...executor.Option) *harness {
	t.Helper()
	ring := audit.NewRingSink(256)
	rec := audit.NewRecorder([]audit.Sink{ring})

	rt := router.NewEngine(embeddings.NewHashEmbedder(256), router.WithRecorder(rec))
	require.NoError(t, rt.Load(context.Background()))

	gate, err := rbac.NewGate(rbac.DefaultPolicy())
	require.NoError(t, err)

	spies := map[models.Capability]*spyCapability{}
	var caps []capabilities.Capability
	for _, c := range models.AllCapabilities {
		spies[c] = newSpy(c)
		caps = append(caps, spies[c])
	}
	reg, err := capabilities.NewRegistry(caps...)
	require.NoError(t, err)

	mem := sessions.NewMemory(time.Hour)
	base := []executor.Option{executor.WithRecorder(rec), executor.WithRetryInterval(time.Millisecond)}
	exec := executor.New(rt, gate, reg, p, mem, append(base, opts...)...)
	return &harness{exec: exec, memory: mem, ring: ring, spies: spies}
}

func (h *harness) run(t *testing.T, text, role, session string) *models.TurnResult {
	t.Helper()
	res, err := h.exec.RunTurn(context.Background(), models.Query{Text: text, Role: role, SessionID: session})
	require.NoError(t, err)
	return res
}

func kinds(steps []models.ReasoningStep) []models.StepKind {
	out := make([]models.StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func toolCall(c models.Capability) planner.Step {
	return planner.Step{Response: &planner.Response{ToolCalls: []models.ToolCall{{Name: string(c), Arguments: map[string]any{"query": "x"}}}}}
}

func answer(text string) planner.Step {
	return planner.Step{Response: &planner.Response{Answer: text}}
}

// ── End-to-end scenarios ─────────────────────────────────────

func TestScenarioSecurityQueriesFailedLogins(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	res := h.run(t, "show me today's failed logins", "security", "")

	assert.Equal(t, models.FlagsOf(models.CapabilityLogQuery), res.Decision.Flags)
	assert.Equal(t, models.OutcomeDone, res.Outcome)
	assert.True(t, res.Authoritative)
	require.Equal(t, []models.StepKind{models.StepToolCall, models.StepFinalAnswer}, kinds(res.Steps))
	assert.True(t, res.Steps[0].Success)
	assert.Equal(t, models.CapabilityLogQuery, res.Steps[0].Capability)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, int64(1), h.spies[models.CapabilityLogQuery].calls.Load())
	assert.Equal(t, int64(0), h.spies[models.CapabilityWebSearch].calls.Load())
	assert.Equal(t, []models.Capability{models.CapabilityLogQuery}, res.Usage.CapabilitiesUsed)
	assert.Contains(t, res.Answer, "result from search_authentication_logs")
}

func TestScenarioSalesIsDeniedLogAccess(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	res := h.run(t, "show me today's failed logins", "sales", "")

	require.Equal(t, []models.StepKind{models.StepToolCall, models.StepFinalAnswer}, kinds(res.Steps))
	denied := res.Steps[0]
	assert.False(t, denied.Success)
	assert.Contains(t, denied.ResultSummary, "permission denied")
	assert.Equal(t, int64(0), h.spies[models.CapabilityLogQuery].calls.Load(), "denied capability must never be invoked")
	assert.Equal(t, 1, res.Usage.Denied)
	assert.Contains(t, res.Answer, "Permission denied")
	assert.Empty(t, res.Usage.CapabilitiesUsed)
}

func TestScenarioCVEOverridesToWebSearch(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	res := h.run(t, "What is our password policy for CVE-2024-3094?", "security", "")

	assert.Equal(t, models.MethodOverride, res.Decision.Method)
	assert.Equal(t, 1.0, res.Decision.Confidence)
	assert.Equal(t, models.FlagsOf(models.CapabilityWebSearch), res.Decision.Flags)
	assert.Equal(t, int64(1), h.spies[models.CapabilityWebSearch].calls.Load())
	assert.Equal(t, int64(0), h.spies[models.CapabilityRetrieval].calls.Load())
}

// ── Budget & failures ────────────────────────────────────────

func TestIterationCeilingEndsTurn(t *testing.T) {
	p := planner.NewScripted(toolCall(models.CapabilityRetrieval))
	h := newHarness(t, p, executor.WithMaxIterations(5))
	res := h.run(t, "keep searching forever", "security", "")

	assert.Equal(t, 5, p.Calls(), "exactly five planning calls")
	assert.Equal(t, models.OutcomeBudgetExhausted, res.Outcome)
	assert.Equal(t, 5, res.Iterations)
	require.Len(t, res.Steps, 5)
	for _, s := range res.Steps[:4] {
		assert.Equal(t, models.StepToolCall, s.Kind)
	}
	assert.Equal(t, models.StepBudgetExhausted, res.Steps[4].Kind)
	assert.Equal(t, int64(4), h.spies[models.CapabilityRetrieval].calls.Load())
	assert.Equal(t, executor.BudgetExhaustedMessage, res.Answer)
	assert.False(t, res.Authoritative)
}

func TestBudgetExhaustedReturnsLastAssistantText(t *testing.T) {
	step := toolCall(models.CapabilityRetrieval)
	step.Response.Rationale = "Partial: the policy requires 14 characters."
	step.Response.Partial = true
	h := newHarness(t, planner.NewScripted(step), executor.WithMaxIterations(2))
	res := h.run(t, "password rules", "security", "")

	assert.Equal(t, models.OutcomeBudgetExhausted, res.Outcome)
	assert.Equal(t, "Partial: the policy requires 14 characters.", res.Answer)
}

func TestBudgetExhaustedIgnoresInternalRationale(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic(), executor.WithMaxIterations(1))
	res := h.run(t, "what is the password policy", "security", "")

	assert.Equal(t, models.OutcomeBudgetExhausted, res.Outcome)
	assert.Equal(t, executor.BudgetExhaustedMessage, res.Answer)
}

func TestPlanningFailureAfterRetries(t *testing.T) {
	p := planner.NewScripted(planner.Step{Err: planner.ErrPlanningFailed})
	h := newHarness(t, p, executor.WithPlannerRetries(2))
	res := h.run(t, "anything", "security", "")

	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, 3, res.Usage.PlannerCalls)
	assert.Equal(t, models.OutcomePlanningFailure, res.Outcome)
	assert.Equal(t, executor.PlanningFailureMessage, res.Answer)
	require.Equal(t, []models.StepKind{models.StepPlanningFailure}, kinds(res.Steps))
	for _, spy := range h.spies {
		assert.Equal(t, int64(0), spy.calls.Load())
	}
}

func TestPlannerRecoversWithinRetryBudget(t *testing.T) {
	p := planner.NewScripted(
		planner.Step{Err: errors.New("connection reset")},
		planner.Step{Response: &planner.Response{}}, // malformed: no calls, no answer
		answer("recovered"),
	)
	h := newHarness(t, p, executor.WithPlannerRetries(2))
	res := h.run(t, "anything", "security", "")

	assert.Equal(t, models.OutcomeDone, res.Outcome)
	assert.Equal(t, "recovered", res.Answer)
	assert.Equal(t, 1, res.Iterations)
}

func TestUndeclaredCapabilityIsNeverInvoked(t *testing.T) {
	p := planner.NewScripted(toolCall(models.CapabilityLogQuery), answer("done"))
	h := newHarness(t, p, executor.WithMode(executor.ModeRouted))
	res := h.run(t, "CVE-2021-44228 details", "security", "")

	require.Equal(t, []models.StepKind{models.StepToolCall, models.StepFinalAnswer}, kinds(res.Steps))
	assert.False(t, res.Steps[0].Success)
	assert.Contains(t, res.Steps[0].ResultSummary, "unknown capability")
	assert.Equal(t, int64(0), h.spies[models.CapabilityLogQuery].calls.Load())

	reqs := p.Requests()
	require.NotEmpty(t, reqs)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, models.CapabilityWebSearch, reqs[0].Tools[0].Name)
}

func TestCapabilityFailureRetriedOnce(t *testing.T) {
	p := planner.NewScripted(toolCall(models.CapabilityRetrieval), answer("degraded answer"))
	h := newHarness(t, p)
	h.spies[models.CapabilityRetrieval].fn = func(_ context.Context, n int64) (*capabilities.Result, error) {
		if n == 1 {
			return nil, errors.New("index unavailable")
		}
		return &capabilities.Result{Content: "ok"}, nil
	}
	res := h.run(t, "policy question", "security", "")
	assert.True(t, res.Steps[0].Success)
	assert.Equal(t, 2, res.Usage.Invocations[models.CapabilityRetrieval])

	h.spies[models.CapabilityRetrieval].fn = func(context.Context, int64) (*capabilities.Result, error) {
		return nil, errors.New("index unavailable")
	}
	h.spies[models.CapabilityRetrieval].calls.Store(0)
	p2 := planner.NewScripted(toolCall(models.CapabilityRetrieval), answer("degraded answer"))
	h2 := newHarness(t, p2)
	h2.spies[models.CapabilityRetrieval].fn = h.spies[models.CapabilityRetrieval].fn
	res = h2.run(t, "policy question", "security", "")
	assert.False(t, res.Steps[0].Success)
	assert.Contains(t, res.Steps[0].ResultSummary, "index unavailable")
	assert.Equal(t, int64(2), h2.spies[models.CapabilityRetrieval].calls.Load())
	assert.Equal(t, models.OutcomeDone, res.Outcome, "a failed capability does not abort the turn")

	folded := p2.Requests()[1].Messages
	assert.Equal(t, models.RoleTool, folded[len(folded)-1].Role)
	assert.Contains(t, folded[len(folded)-1].Content, "index unavailable")
}

func TestResultPreviewIsTruncated(t *testing.T) {
	p := planner.NewScripted(toolCall(models.CapabilityRetrieval), answer("done"))
	h := newHarness(t, p, executor.WithPreviewChars(50))
	h.spies[models.CapabilityRetrieval].fn = func(context.Context, int64) (*capabilities.Result, error) {
		return &capabilities.Result{Content: strings.Repeat("a", 500)}, nil
	}
	res := h.run(t, "policy question", "security", "")
	assert.LessOrEqual(t, utf8.RuneCountInString(res.Steps[0].ResultSummary), 51)

	folded := p.Requests()[1].Messages
	assert.Len(t, folded[len(folded)-1].Content, 500, "the planner sees the full result")
}

func TestTurnDeadlineEndsWithTimeoutStep(t *testing.T) {
	p := planner.NewScripted(toolCall(models.CapabilityRetrieval), answer("too late"))
	h := newHarness(t, p, executor.WithTurnDeadline(50*time.Millisecond))
	h.spies[models.CapabilityRetrieval].fn = func(ctx context.Context, _ int64) (*capabilities.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := h.run(t, "slow question", "security", "")

	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	assert.False(t, res.Authoritative)
	assert.Equal(t, executor.TimeoutMessage, res.Answer)
	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, models.StepBudgetExhausted, last.Kind)
	assert.True(t, last.Timeout)
	assert.Equal(t, int64(1), h.spies[models.CapabilityRetrieval].calls.Load(), "no retry after the deadline")

	lease, err := h.memory.TryAcquire(res.SessionID)
	require.NoError(t, err, "the session lease is released")
	lease.Release()

	snap, ok := h.memory.Snapshot(res.SessionID)
	require.True(t, ok)
	assert.Len(t, snap.Steps, len(res.Steps), "partial steps stay in memory")
}

func TestDeadlineSkipsRemainingCallsInIteration(t *testing.T) {
	both := planner.Step{Response: &planner.Response{ToolCalls: []models.ToolCall{
		{Name: string(models.CapabilityRetrieval), Arguments: map[string]any{"query": "x"}},
		{Name: string(models.CapabilityWebSearch), Arguments: map[string]any{"query": "x"}},
	}}}
	p := planner.NewScripted(both, answer("too late"))
	h := newHarness(t, p, executor.WithTurnDeadline(50*time.Millisecond))
	h.spies[models.CapabilityRetrieval].fn = func(ctx context.Context, _ int64) (*capabilities.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := h.run(t, "slow question", "security", "")

	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, int64(0), h.spies[models.CapabilityWebSearch].calls.Load())
	require.Equal(t, []models.StepKind{models.StepToolCall, models.StepToolCall, models.StepBudgetExhausted}, kinds(res.Steps))

	skipped := res.Steps[1]
	assert.Equal(t, models.CapabilityWebSearch, skipped.Capability)
	assert.False(t, skipped.Success)
	assert.Equal(t, executor.AbortedSummary, skipped.ResultSummary)
	assert.True(t, res.Steps[2].Timeout)
	assert.Equal(t, 1, res.Iterations)
}

func TestEmptyQueryRejected(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	_, err := h.exec.RunTurn(context.Background(), models.Query{Text: "  ", Role: "security"})
	assert.ErrorIs(t, err, executor.ErrEmptyQuery)
}

// ── Sessions & audit ─────────────────────────────────────────

func TestSecondTurnSeesFirstTurnHistory(t *testing.T) {
	p := planner.NewScripted(answer("first"), answer("second"))
	h := newHarness(t, p)
	first := h.run(t, "hello", "viewer", "")
	assert.True(t, first.NewSession)

	second := h.run(t, "and again", "viewer", first.SessionID)
	assert.False(t, second.NewSession)
	assert.Equal(t, first.SessionID, second.SessionID)

	msgs := p.Requests()[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "first", msgs[1].Content)
	assert.Equal(t, "and again", msgs[2].Content)
}

func TestExpiredSessionStartsFresh(t *testing.T) {
	h := newHarness(t, planner.NewScripted(answer("ok")))
	res := h.run(t, "hello", "viewer", "no-such-session")
	assert.True(t, res.NewSession)
	assert.NotEqual(t, "no-such-session", res.SessionID)
}

func TestConcurrentTurnsOnSameSessionDoNotInterleave(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	h.spies[models.CapabilityRetrieval].fn = func(context.Context, int64) (*capabilities.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &capabilities.Result{Content: "doc"}, nil
	}
	first := h.run(t, "What is our password policy?", "viewer", "")

	const turns = 6
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.exec.RunTurn(context.Background(), models.Query{
				Text: "What is our password policy?", Role: "viewer", SessionID: first.SessionID,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, ok := h.memory.Snapshot(first.SessionID)
	require.True(t, ok)
	require.Len(t, snap.Messages, (turns+1)*4)
	for i := 0; i < len(snap.Messages); i += 4 {
		block := snap.Messages[i : i+4]
		assert.Equal(t, models.RoleUser, block[0].Role)
		assert.Equal(t, models.RoleAssistant, block[1].Role)
		assert.Equal(t, models.RoleTool, block[2].Role)
		assert.Equal(t, block[1].ToolCalls[0].ID, block[2].ToolCallID)
		assert.Equal(t, models.RoleAssistant, block[3].Role)
	}
	assert.Equal(t, turns+1, snap.TurnCount)
}

func TestTurnEventsAreAuditedInOrder(t *testing.T) {
	h := newHarness(t, planner.NewHeuristic())
	res := h.run(t, "show me today's failed logins", "security", "")

	var got []models.AuditKind
	for _, ev := range h.ring.Events() {
		if ev.TurnID == res.TurnID {
			got = append(got, ev.Kind)
			assert.Equal(t, res.SessionID, ev.SessionID)
		}
	}
	assert.Equal(t, []models.AuditKind{
		models.AuditRoutingDecision,
		models.AuditPermissionDecision,
		models.AuditToolInvocation,
		models.AuditLoopTerminal,
	}, got)

	stats := h.exec.Stats()
	assert.Equal(t, uint64(1), stats.Turns)
	assert.Equal(t, uint64(1), stats.Outcomes[models.OutcomeDone])
}
