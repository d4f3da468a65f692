// Package router implements the routing decision engine.
//
// A query is routed in three tiers, short-circuiting on the first hit:
// override rules (confidence 1), nearest labeled example in the corpus when
// its similarity reaches the threshold (confidence = score), and finally a
// static fallback capability set (confidence 0).
//
// The rule set and corpus are immutable snapshots behind atomic pointers.
// Decide never takes a lock; ReloadRules, ReloadCorpus and Ingest build a
// replacement and swap it in.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/store"
	"github.com/agentoven/triage/internal/telemetry"
	"github.com/agentoven/triage/internal/vectorstore"
	"github.com/agentoven/triage/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrIncompleteExample rejects an example without text, capability flags
// or provenance.
var ErrIncompleteExample = errors.New("incomplete routing example")

const (
	DefaultThreshold = 0.75
	DefaultTopK      = 3
)

// corpus is one immutable generation of the example set and its index.
type corpus struct {
	examples []models.RoutingExample
	index    *vectorstore.Snapshot[models.RoutingExample]
}

// Engine produces routing decisions.
type Engine struct {
	rules  atomic.Pointer[RuleSet]
	corpus atomic.Pointer[corpus]

	embedder  embeddings.Embedder
	store     store.CorpusStore
	recorder  *audit.Recorder
	threshold float64
	topK      int
	fallback  models.CapabilityFlags
	now       func() time.Time
	tracer    trace.Tracer

	// writeMu serializes writers; readers never take it.
	writeMu sync.Mutex

	decisions [3]atomic.Uint64 // override, similarity, fallback
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the minimum similarity for a corpus match.
func WithThreshold(t float64) Option { return func(e *Engine) { e.threshold = t } }

// WithTopK sets how many neighbours are retrieved per query.
func WithTopK(k int) Option { return func(e *Engine) { e.topK = k } }

// WithFallback sets the capability set returned when nothing matches.
func WithFallback(f models.CapabilityFlags) Option { return func(e *Engine) { e.fallback = f } }

// WithRecorder records every decision as an audit event.
func WithRecorder(r *audit.Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithStore persists ingested examples and saved rules.
func WithStore(s store.CorpusStore) Option { return func(e *Engine) { e.store = s } }

// WithClock overrides the clock used to stamp ingested examples.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine with an empty rule set and corpus. Call Load,
// or ReloadRules and ReloadCorpus, before serving traffic.
func NewEngine(emb embeddings.Embedder, opts ...Option) *Engine {
	e := &Engine{
		embedder:  emb,
		threshold: DefaultThreshold,
		topK:      DefaultTopK,
		fallback:  models.FlagsOf(models.CapabilityRetrieval),
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    telemetry.Tracer("router"),
	}
	for _, o := range opts {
		o(e)
	}
	if e.fallback.Empty() {
		e.fallback = models.FlagsOf(models.CapabilityRetrieval)
	}
	e.rules.Store(&RuleSet{})
	e.corpus.Store(&corpus{})
	return e
}

// Load reads rules and examples from the store, falling back to the
// built-in defaults when the store has none.
func (e *Engine) Load(ctx context.Context) error {
	specs, examples := store.DefaultRules(), store.SeedExamples()
	if e.store != nil {
		if stored, err := e.store.LoadRules(ctx); err == nil {
			specs = stored
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load rules: %w", err)
		}
		if stored, err := e.store.LoadExamples(ctx); err == nil {
			examples = stored
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load examples: %w", err)
		}
	}

	rs, err := CompileRules(specs)
	if err != nil {
		return err
	}
	e.ReloadRules(rs)
	return e.ReloadCorpus(ctx, examples)
}

// ── Decide ───────────────────────────────────────────────────

// Decide routes query. It never fails: errors inside the similarity tier
// degrade to the fallback decision.
func (e *Engine) Decide(ctx context.Context, query, role string) models.RoutingDecision {
	ctx, span := e.tracer.Start(ctx, "router.decide")
	defer span.End()

	start := time.Now()
	d := e.decide(ctx, query)
	d.ID = uuid.New().String()
	d.Query = query
	d.Role = role
	d.LatencyMs = time.Since(start).Milliseconds()
	d.DecidedAt = e.now()
	if d.Category == "" {
		d.Category = d.Flags.Category()
	}

	switch d.Method {
	case models.MethodOverride:
		e.decisions[0].Add(1)
	case models.MethodSimilarity:
		e.decisions[1].Add(1)
	default:
		e.decisions[2].Add(1)
	}

	span.SetAttributes(
		attribute.String("routing.method", string(d.Method)),
		attribute.String("routing.flags", d.Flags.Key()),
		attribute.Float64("routing.confidence", d.Confidence),
	)
	e.record(ctx, d)

	log.Debug().
		Str("method", string(d.Method)).
		Str("flags", d.Flags.Key()).
		Float64("confidence", d.Confidence).
		Str("rationale", d.Rationale).
		Msg("Routing decision")
	return d
}

func (e *Engine) decide(ctx context.Context, query string) models.RoutingDecision {
	if strings.TrimSpace(query) == "" {
		return e.fallbackDecision("")
	}

	if r, ok := e.rules.Load().Match(query); ok {
		return models.RoutingDecision{
			Flags:       r.Route,
			Method:      models.MethodOverride,
			Confidence:  1.0,
			Category:    r.Category,
			MatchedRule: r.Name,
			Rationale:   "override:" + r.Name,
		}
	}

	c := e.corpus.Load()
	if c.index.Len() == 0 {
		return e.fallbackDecision("")
	}
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) != 1 {
		if err == nil {
			err = fmt.Errorf("embedder returned %d vectors", len(vectors))
		}
		log.Warn().Err(err).Msg("Query embedding failed, using fallback route")
		return e.fallbackDecision("embedding failed: " + err.Error())
	}

	matches := c.index.Nearest(vectors[0], e.topK)
	if len(matches) == 0 || matches[0].Score < e.threshold {
		return e.fallbackDecision("")
	}
	best := matches[0].Item
	return models.RoutingDecision{
		Flags:          best.Flags,
		Method:         models.MethodSimilarity,
		Confidence:     clamp01(matches[0].Score),
		Category:       best.Category,
		MatchedExample: &best,
		Rationale:      "similarity:" + best.Category,
	}
}

func (e *Engine) fallbackDecision(note string) models.RoutingDecision {
	rationale := "fallback:default"
	if note != "" {
		rationale += " (" + note + ")"
	}
	return models.RoutingDecision{
		Flags:      e.fallback,
		Method:     models.MethodFallback,
		Confidence: 0,
		Rationale:  rationale,
	}
}

func (e *Engine) record(ctx context.Context, d models.RoutingDecision) {
	if e.recorder == nil {
		return
	}
	ref := audit.TurnFrom(ctx)
	details := map[string]any{
		"decision_id": d.ID,
		"query":       d.Query,
		"method":      string(d.Method),
		"flags":       d.Flags,
		"confidence":  d.Confidence,
		"category":    d.Category,
		"rationale":   d.Rationale,
		"latency_ms":  d.LatencyMs,
	}
	if d.MatchedRule != "" {
		details["matched_rule"] = d.MatchedRule
	}
	if d.MatchedExample != nil {
		details["matched_example_id"] = d.MatchedExample.ID
		details["matched_example"] = d.MatchedExample.Text
	}
	e.recorder.Record(models.AuditEvent{
		Kind:      models.AuditRoutingDecision,
		SessionID: ref.SessionID,
		TurnID:    ref.TurnID,
		Role:      d.Role,
		Details:   details,
	})
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// ── Reload & Ingest ──────────────────────────────────────────

// ReloadRules swaps in a new rule set.
func (e *Engine) ReloadRules(rs *RuleSet) {
	if rs == nil {
		rs = &RuleSet{}
	}
	e.rules.Store(rs)
	log.Info().Int("rules", rs.Len()).Msg("Override rules loaded")
}

// SaveRules compiles specs, persists them and swaps them in.
func (e *Engine) SaveRules(ctx context.Context, specs []models.OverrideRule) error {
	rs, err := CompileRules(specs)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.store != nil {
		if err := e.store.SaveRules(ctx, specs); err != nil {
			return fmt.Errorf("persist rules: %w", err)
		}
	}
	e.ReloadRules(rs)
	return nil
}

// ReloadCorpus validates examples, embeds them into a new index and swaps
// it in. The current corpus stays live if any example is incomplete or
// embedding fails.
func (e *Engine) ReloadCorpus(ctx context.Context, examples []models.RoutingExample) error {
	prepared := make([]models.RoutingExample, len(examples))
	for i, ex := range examples {
		if err := e.validateExample(&ex); err != nil {
			return fmt.Errorf("example %d (%q): %w", i, ex.Text, err)
		}
		prepared[i] = ex
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	c, err := e.buildCorpus(ctx, prepared)
	if err != nil {
		return err
	}
	e.swapCorpus(c)
	return nil
}

func (e *Engine) buildCorpus(ctx context.Context, examples []models.RoutingExample) (*corpus, error) {
	sources := make([]vectorstore.Source[models.RoutingExample], len(examples))
	for i, ex := range examples {
		sources[i] = vectorstore.Source[models.RoutingExample]{ID: ex.ID, Text: ex.Text, Item: ex, AddedAt: ex.AddedAt}
	}
	index, err := vectorstore.Build(ctx, e.embedder, sources)
	if err != nil {
		return nil, fmt.Errorf("build corpus index: %w", err)
	}
	return &corpus{examples: append([]models.RoutingExample(nil), examples...), index: index}, nil
}

func (e *Engine) swapCorpus(c *corpus) {
	e.corpus.Store(c)
	log.Info().Int("examples", len(c.examples)).Msg("Routing corpus loaded")
}

// IngestResult summarizes one ingestion.
type IngestResult struct {
	Added    int `json:"added"`
	Replaced int `json:"replaced"`
	Total    int `json:"total"`
}

// Ingest validates examples, merges them into the corpus, embeds the new
// index, persists the changes and swaps the index in. An example whose
// normalized text matches an existing one replaces it and keeps its id.
// Nothing is applied or persisted when any example is invalid or the
// index cannot be built.
func (e *Engine) Ingest(ctx context.Context, examples []models.RoutingExample) (IngestResult, error) {
	if len(examples) == 0 {
		return IngestResult{Total: len(e.corpus.Load().examples)}, nil
	}

	prepared := make([]models.RoutingExample, len(examples))
	for i, ex := range examples {
		if err := e.validateExample(&ex); err != nil {
			return IngestResult{}, fmt.Errorf("example %d: %w", i, err)
		}
		prepared[i] = ex
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current := e.corpus.Load().examples
	merged := append([]models.RoutingExample(nil), current...)
	byText := make(map[string]int, len(merged))
	for i, ex := range merged {
		byText[models.NormalizeText(ex.Text)] = i
	}

	var res IngestResult
	changed := make([]models.RoutingExample, 0, len(prepared))
	for _, ex := range prepared {
		key := models.NormalizeText(ex.Text)
		if i, ok := byText[key]; ok {
			ex.ID = merged[i].ID
			merged[i] = ex
			res.Replaced++
		} else {
			byText[key] = len(merged)
			merged = append(merged, ex)
			res.Added++
		}
		changed = append(changed, ex)
	}

	c, err := e.buildCorpus(ctx, merged)
	if err != nil {
		return IngestResult{}, err
	}
	if e.store != nil {
		if err := e.store.UpsertExamples(ctx, changed); err != nil {
			return IngestResult{}, fmt.Errorf("persist examples: %w", err)
		}
	}
	e.swapCorpus(c)
	res.Total = len(merged)
	log.Info().Int("added", res.Added).Int("replaced", res.Replaced).Int("total", res.Total).Msg("Routing examples ingested")
	return res, nil
}

func (e *Engine) validateExample(ex *models.RoutingExample) error {
	ex.Text = strings.TrimSpace(ex.Text)
	if err := validate.Struct(ex); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompleteExample, err)
	}
	if ex.Flags.Empty() {
		return fmt.Errorf("%w: no capability flag set", ErrIncompleteExample)
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.AddedAt.IsZero() {
		ex.AddedAt = e.now()
	}
	if ex.Category == "" {
		ex.Category = ex.Flags.Category()
	}
	return nil
}

// ── Introspection ────────────────────────────────────────────

// Rules returns the current rule set.
func (e *Engine) Rules() *RuleSet { return e.rules.Load() }

// Examples returns the current corpus.
func (e *Engine) Examples() []models.RoutingExample {
	return append([]models.RoutingExample(nil), e.corpus.Load().examples...)
}

// Stats describes the current routing state.
type Stats struct {
	Examples        int            `json:"total_examples"`
	ByCategory      map[string]int `json:"category_breakdown"`
	ByProvenance    map[string]int `json:"provenance_breakdown"`
	Rules           int            `json:"total_rules"`
	RulesByType     map[string]int `json:"rule_type_breakdown"`
	HighestPriority int            `json:"highest_priority"`
	LowestPriority  int            `json:"lowest_priority"`
	Threshold       float64        `json:"threshold"`
	TopK            int            `json:"top_k"`
	Fallback        string         `json:"fallback"`
	Embedder        string         `json:"embedder"`
	Decisions       map[string]int `json:"decisions"`
	CorpusBuiltAt   time.Time      `json:"corpus_built_at"`
}

func (e *Engine) Stats() Stats {
	c := e.corpus.Load()
	rs := e.rules.Load()
	st := Stats{
		Examples:     len(c.examples),
		ByCategory:   map[string]int{},
		ByProvenance: map[string]int{},
		Rules:        rs.Len(),
		RulesByType:  map[string]int{},
		Threshold:    e.threshold,
		TopK:         e.topK,
		Fallback:     e.fallback.Key(),
		Embedder:     e.embedder.Kind(),
		Decisions: map[string]int{
			string(models.MethodOverride):   int(e.decisions[0].Load()),
			string(models.MethodSimilarity): int(e.decisions[1].Load()),
			string(models.MethodFallback):   int(e.decisions[2].Load()),
		},
	}
	if c.index != nil {
		st.CorpusBuiltAt = c.index.BuiltAt()
	}
	for _, ex := range c.examples {
		st.ByCategory[ex.Category]++
		st.ByProvenance[string(ex.Provenance)]++
	}
	for i, r := range rs.rules {
		st.RulesByType[r.Type]++
		if i == 0 {
			st.HighestPriority = r.Priority
		}
		st.LowestPriority = r.Priority
	}
	return st
}
