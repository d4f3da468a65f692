package router_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/store"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// spyEmbedder counts Embed calls and can be switched to fail.
type spyEmbedder struct {
	*embeddings.HashEmbedder
	calls atomic.Int64
	fail  atomic.Bool
}

func newSpyEmbedder() *spyEmbedder {
	return &spyEmbedder{HashEmbedder: embeddings.NewHashEmbedder(256)}
}

func (s *spyEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return nil, errors.New("embedding backend unavailable")
	}
	return s.HashEmbedder.Embed(ctx, texts)
}

func newTestEngine(t *testing.T, opts ...router.Option) (*router.Engine, *spyEmbedder) {
	t.Helper()
	emb := newSpyEmbedder()
	e := router.NewEngine(emb, opts...)
	require.NoError(t, e.Load(context.Background()))
	return e, emb
}

func TestOverrideWinsRegardlessOfCorpus(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	query := "Tell me about CVE-2024-3094 and our policy"
	_, err := e.Ingest(ctx, []models.RoutingExample{{
		Text:       query,
		Flags:      models.FlagsOf(models.CapabilityRetrieval),
		Provenance: models.ProvenanceFeedback,
	}})
	require.NoError(t, err)

	d := e.Decide(ctx, query, "security")
	assert.Equal(t, models.MethodOverride, d.Method)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, models.FlagsOf(models.CapabilityWebSearch), d.Flags)
	assert.Equal(t, "cve-identifier", d.MatchedRule)
	assert.Equal(t, "override:cve-identifier", d.Rationale)
}

func TestOverrideKeywordRuleNeedsAllKeywords(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	d := e.Decide(ctx, "show me today's failed logins", "security")
	assert.Equal(t, models.MethodOverride, d.Method)
	assert.Equal(t, models.FlagsOf(models.CapabilityLogQuery), d.Flags)

	d = e.Decide(ctx, "the backup job failed overnight", "security")
	assert.NotEqual(t, models.MethodOverride, d.Method)
}

func TestSimilarityMatchAboveThreshold(t *testing.T) {
	e, _ := newTestEngine(t)

	d := e.Decide(context.Background(), "What is our password policy?", "sales")
	require.Equal(t, models.MethodSimilarity, d.Method)
	require.NotNil(t, d.MatchedExample)
	assert.Equal(t, d.MatchedExample.Flags, d.Flags)
	assert.Equal(t, models.FlagsOf(models.CapabilityRetrieval), d.Flags)
	assert.GreaterOrEqual(t, d.Confidence, router.DefaultThreshold)
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
	assert.Equal(t, "similarity:"+models.CategoryPolicyGuidance, d.Rationale)
}

func TestBelowThresholdFallsBack(t *testing.T) {
	e, _ := newTestEngine(t, router.WithFallback(models.FlagsOf(models.CapabilityRetrieval)))

	d := e.Decide(context.Background(), "recommend a good pizza place downtown", "sales")
	assert.Equal(t, models.MethodFallback, d.Method)
	assert.Equal(t, 0.0, d.Confidence)
	assert.Equal(t, models.FlagsOf(models.CapabilityRetrieval), d.Flags)
	assert.Equal(t, "fallback:default", d.Rationale)
	assert.Nil(t, d.MatchedExample)
}

func TestEmptyQuerySkipsEmbedding(t *testing.T) {
	e, emb := newTestEngine(t)
	before := emb.calls.Load()

	d := e.Decide(context.Background(), "   ", "security")
	assert.Equal(t, models.MethodFallback, d.Method)
	assert.Equal(t, before, emb.calls.Load(), "empty query must not be embedded")
}

func TestEmbeddingFailureFallsBack(t *testing.T) {
	e, emb := newTestEngine(t)
	emb.fail.Store(true)

	d := e.Decide(context.Background(), "What is our password policy?", "security")
	assert.Equal(t, models.MethodFallback, d.Method)
	assert.Contains(t, d.Rationale, "embedding failed")
}

func TestEqualScoresPreferNewestExample(t *testing.T) {
	e, _ := newTestEngine(t)
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	text := "how do I handle a lost laptop"

	require.NoError(t, e.ReloadCorpus(context.Background(), []models.RoutingExample{
		{ID: "old", Text: text, Flags: models.FlagsOf(models.CapabilityRetrieval), Category: models.CategoryPolicyGuidance, Provenance: models.ProvenanceSeed, AddedAt: older},
		{ID: "new", Text: text, Flags: models.FlagsOf(models.CapabilityLogQuery), Category: models.CategoryAuthLogs, Provenance: models.ProvenanceFeedback, AddedAt: older.Add(time.Hour)},
	}))

	d := e.Decide(context.Background(), text, "security")
	require.Equal(t, models.MethodSimilarity, d.Method)
	assert.Equal(t, "new", d.MatchedExample.ID)
	assert.True(t, d.Flags.LogQuery)
}

func TestIngestValidatesAndMerges(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, router.WithStore(st), router.WithClock(func() time.Time { return now }))
	ctx := context.Background()
	base := len(e.Examples())

	_, err := e.Ingest(ctx, []models.RoutingExample{
		{Text: "valid one", Flags: models.FlagsOf(models.CapabilityWebSearch), Provenance: models.ProvenanceFeedback},
		{Text: "no flags", Provenance: models.ProvenanceFeedback},
	})
	assert.ErrorIs(t, err, router.ErrIncompleteExample)
	assert.Len(t, e.Examples(), base, "a rejected batch applies nothing")

	_, err = e.Ingest(ctx, []models.RoutingExample{{Text: "x", Flags: models.FlagsOf(models.CapabilityWebSearch)}})
	assert.ErrorIs(t, err, router.ErrIncompleteExample, "provenance is required")

	res, err := e.Ingest(ctx, []models.RoutingExample{
		{Text: "what is our PASSWORD policy", Flags: models.FlagsOf(models.CapabilityRetrieval, models.CapabilityWebSearch), Provenance: models.ProvenanceFeedback},
		{Text: "who owns the okta tenant", Flags: models.FlagsOf(models.CapabilityRetrieval), Provenance: models.ProvenanceFeedback},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, base+1, res.Total)

	stored, err := st.LoadExamples(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "seed-001", stored[0].ID, "replacement keeps the original id")
	assert.Equal(t, now, stored[1].AddedAt)
	assert.Equal(t, models.CategoryThreatAndPolicy, stored[0].Category)

	d := e.Decide(ctx, "What is our password policy?", "sales")
	assert.True(t, d.Flags.WebSearch, "ingested correction is live")
}

func TestLoadPrefersStoredState(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.SaveRules(ctx, []models.OverrideRule{{
		Name: "vpn", Type: models.RuleTypeKeyword, Keywords: []string{"vpn"},
		Route: models.FlagsOf(models.CapabilityWebSearch),
	}}))
	require.NoError(t, st.UpsertExamples(ctx, []models.RoutingExample{{
		ID: "only", Text: "reset my token", Flags: models.FlagsOf(models.CapabilityRetrieval), Provenance: models.ProvenanceSeed,
	}}))

	e := router.NewEngine(embeddings.NewHashEmbedder(256), router.WithStore(st))
	require.NoError(t, e.Load(ctx))

	assert.Equal(t, 1, e.Rules().Len())
	assert.Len(t, e.Examples(), 1)
	assert.Equal(t, models.MethodFallback, e.Decide(ctx, "CVE-2021-44228", "security").Method)
	assert.Equal(t, models.MethodOverride, e.Decide(ctx, "VPN is down", "security").Method)
}

func TestLoadRejectsFlaglessStoredExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`examples:
  - text: how do I rotate vpn certificates
    provenance: seed
    flags: {use_log: true}
`), 0o644))

	e := router.NewEngine(embeddings.NewHashEmbedder(256), router.WithStore(store.NewFileStore(path, "")))
	err := e.Load(context.Background())
	require.ErrorIs(t, err, router.ErrIncompleteExample)
	assert.Contains(t, err.Error(), "rotate vpn certificates")
	assert.Empty(t, e.Examples())

	d := e.Decide(context.Background(), "how do I rotate vpn certificates", "security")
	assert.NotEqual(t, models.MethodSimilarity, d.Method)
	assert.False(t, d.Flags.Empty())
}

func TestReloadCorpusFillsIDAndCategory(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.ReloadCorpus(context.Background(), []models.RoutingExample{{
		Text: "  show vpn login failures  ", Flags: models.FlagsOf(models.CapabilityLogQuery), Provenance: models.ProvenanceMined,
	}}))

	got := e.Examples()
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.Equal(t, "show vpn login failures", got[0].Text)
	assert.Equal(t, models.CategoryAuthLogs, got[0].Category)
	assert.False(t, got[0].AddedAt.IsZero())
}

func TestIngestPersistsNothingWhenEmbeddingFails(t *testing.T) {
	st := store.NewMemoryStore()
	e, emb := newTestEngine(t, router.WithStore(st))
	ctx := context.Background()
	base := len(e.Examples())

	emb.fail.Store(true)
	_, err := e.Ingest(ctx, []models.RoutingExample{{
		Text: "who approves firewall changes", Flags: models.FlagsOf(models.CapabilityRetrieval), Provenance: models.ProvenanceFeedback,
	}})
	require.Error(t, err)
	assert.Len(t, e.Examples(), base)

	_, err = st.LoadExamples(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound, "the store never saw the example")
}

func TestSaveRulesSwapsAndPersists(t *testing.T) {
	st := store.NewMemoryStore()
	e, _ := newTestEngine(t, router.WithStore(st))
	ctx := context.Background()

	err := e.SaveRules(ctx, []models.OverrideRule{{Name: "bad", Type: models.RuleTypeRegex, Pattern: "(", Route: models.FlagsOf(models.CapabilityWebSearch)}})
	require.Error(t, err)
	assert.Equal(t, 2, e.Rules().Len(), "invalid rules leave the live set untouched")

	require.NoError(t, e.SaveRules(ctx, []models.OverrideRule{{
		Name: "hash", Type: models.RuleTypeRegex, Pattern: `\b[a-f0-9]{64}\b`, Route: models.FlagsOf(models.CapabilityWebSearch),
	}}))
	assert.Equal(t, 1, e.Rules().Len())
	saved, err := st.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash", saved[0].Name)
}

func TestDecideRecordsAuditEvent(t *testing.T) {
	ring := audit.NewRingSink(16)
	e, _ := newTestEngine(t, router.WithRecorder(audit.NewRecorder([]audit.Sink{ring})))

	ctx := audit.WithTurn(context.Background(), "sess-1", "turn-1")
	d := e.Decide(ctx, "CVE-2023-4863 exposure", "security")

	events := ring.Kind(models.AuditRoutingDecision)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, "turn-1", ev.TurnID)
	assert.Equal(t, "security", ev.Role)
	assert.Equal(t, d.ID, ev.Details["decision_id"])
	assert.Equal(t, "override", ev.Details["method"])
	assert.Equal(t, "cve-identifier", ev.Details["matched_rule"])
}

func TestConcurrentDecideDuringIngest(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d := e.Decide(ctx, "What is our password policy?", "sales")
				assert.False(t, d.Flags.Empty())
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := e.Ingest(ctx, []models.RoutingExample{{
			Text: "rotating example " + string(rune('a'+i)), Flags: models.FlagsOf(models.CapabilityWebSearch), Provenance: models.ProvenanceMined,
		}})
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestStats(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Decide(context.Background(), "CVE-2024-0001", "security")

	st := e.Stats()
	assert.Equal(t, len(store.SeedExamples()), st.Examples)
	assert.Equal(t, 2, st.Rules)
	assert.Equal(t, 100, st.HighestPriority)
	assert.Equal(t, 50, st.LowestPriority)
	assert.Equal(t, 1, st.RulesByType[models.RuleTypeRegex])
	assert.Equal(t, 1, st.Decisions["override"])
	assert.Equal(t, "hash", st.Embedder)
	assert.Equal(t, len(store.SeedExamples()), st.ByProvenance["seed"])
}
