// Package feedback turns routing judgments into proposed routing examples.
//
// Records are appended through RecordFeedback and never change afterwards,
// except for the processed flag that Ingest sets once a pattern has been
// folded into the corpus. Analysis and example generation are read-only:
// the live corpus only changes through an explicit Ingest call.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrInvalidFeedback is returned for submissions that fail validation.
var ErrInvalidFeedback = errors.New("invalid feedback")

var validate = validator.New()

// Defaults applied when options or call arguments are zero.
const (
	DefaultAutoApproveThreshold = 5
	DefaultWindowDays           = 30
	DefaultMinOccurrences       = 3

	// Patterns with at least this many submitters are flagged high priority.
	highPriorityOccurrences = 5
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
)

var exampleNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("triage/routing-feedback"))

func errDuplicateID(id string) error {
	return fmt.Errorf("feedback %s already exists", id)
}

// Loop is the feedback learning loop.
type Loop struct {
	store          Store
	recorder       *audit.Recorder
	now            func() time.Time
	autoApprove    int
	windowDays     int
	minOccurrences int
}

// Option configures a Loop.
type Option func(*Loop)

// WithRecorder sends feedback and learning events to r.
func WithRecorder(r *audit.Recorder) Option { return func(l *Loop) { l.recorder = r } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

// WithAutoApproveThreshold sets the occurrence count at which generated
// examples are approved without review.
func WithAutoApproveThreshold(n int) Option { return func(l *Loop) { l.autoApprove = n } }

// WithWindowDays sets the default analysis window.
func WithWindowDays(n int) Option { return func(l *Loop) { l.windowDays = n } }

// WithMinOccurrences sets the default pattern threshold.
func WithMinOccurrences(n int) Option { return func(l *Loop) { l.minOccurrences = n } }

// FromConfig maps feedback configuration onto loop options.
func FromConfig(cfg config.FeedbackConfig) []Option {
	return []Option{
		WithAutoApproveThreshold(cfg.AutoApproveThreshold),
		WithWindowDays(cfg.WindowDays),
		WithMinOccurrences(cfg.MinOccurrences),
	}
}

// NewLoop creates a learning loop over store.
func NewLoop(store Store, opts ...Option) *Loop {
	l := &Loop{
		store:          store,
		now:            func() time.Time { return time.Now().UTC() },
		autoApprove:    DefaultAutoApproveThreshold,
		windowDays:     DefaultWindowDays,
		minOccurrences: DefaultMinOccurrences,
	}
	for _, o := range opts {
		o(l)
	}
	if l.autoApprove <= 0 {
		l.autoApprove = DefaultAutoApproveThreshold
	}
	if l.windowDays <= 0 {
		l.windowDays = DefaultWindowDays
	}
	if l.minOccurrences <= 0 {
		l.minOccurrences = DefaultMinOccurrences
	}
	return l
}

// ── Submission ───────────────────────────────────────────────

// RecordFeedback validates rec, assigns its id and timestamp, stores it and
// records a feedback_submission audit event. The returned id identifies the
// stored record.
func (l *Loop) RecordFeedback(ctx context.Context, rec models.FeedbackRecord) (string, error) {
	rec.Query = strings.TrimSpace(rec.Query)
	rec.Judgment = models.Judgment(strings.ToLower(strings.TrimSpace(string(rec.Judgment))))
	if err := validate.Struct(rec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if rec.Expected != nil && rec.Expected.Empty() {
		return "", fmt.Errorf("%w: expected route names no capability", ErrInvalidFeedback)
	}

	rec.ID = uuid.New().String()
	rec.Timestamp = l.now()
	rec.Processed = false
	if rec.SessionID == "" {
		rec.SessionID = audit.TurnFrom(ctx).SessionID
	}

	if err := l.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("store feedback: %w", err)
	}

	details := map[string]any{
		"feedback_id":  rec.ID,
		"query":        rec.Query,
		"judgment":     string(rec.Judgment),
		"actual_route": rec.Actual,
		"confidence":   rec.Confidence,
	}
	if rec.Expected != nil {
		details["expected_route"] = *rec.Expected
	}
	if rec.Method != "" {
		details["routing_method"] = string(rec.Method)
	}
	if rec.UserID != "" {
		details["user_id"] = rec.UserID
	}
	l.recorder.Record(models.AuditEvent{
		Kind:      models.AuditFeedbackSubmission,
		SessionID: rec.SessionID,
		TurnID:    audit.TurnFrom(ctx).TurnID,
		Details:   details,
	})

	log.Debug().Str("feedback_id", rec.ID).Str("judgment", string(rec.Judgment)).Msg("Routing feedback recorded")
	return rec.ID, nil
}

// ── Analysis ─────────────────────────────────────────────────

type group struct {
	key        string
	variants   []string
	variantN   map[string]int
	actualN    map[string]int
	actuals    map[string]models.CapabilityFlags
	actualSeen []string
	expected   models.CapabilityFlags
	submitters map[string]struct{}
	confSum    float64
	confN      int
	comments   []string
	recordIDs  []string
}

// Analyze finds recurring routing mistakes among unprocessed incorrect or
// partial records inside the window. Records are grouped by normalized
// query and expected route; each group counts distinct submitters and is
// kept when that count reaches minOccurrences. Zero arguments use the
// loop defaults.
func (l *Loop) Analyze(ctx context.Context, windowDays, minOccurrences int) ([]models.Pattern, error) {
	if windowDays <= 0 {
		windowDays = l.windowDays
	}
	if minOccurrences <= 0 {
		minOccurrences = l.minOccurrences
	}

	records, err := l.store.Since(ctx, l.windowStart(windowDays))
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}

	groups := map[string]*group{}
	var order []string
	for _, r := range records {
		if r.Processed || r.Expected == nil || !isMistake(r.Judgment) {
			continue
		}
		key := models.NormalizeText(r.Query) + "|" + r.Expected.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{
				key:        key,
				variantN:   map[string]int{},
				actualN:    map[string]int{},
				actuals:    map[string]models.CapabilityFlags{},
				expected:   *r.Expected,
				submitters: map[string]struct{}{},
			}
			groups[key] = g
			order = append(order, key)
		}
		g.add(r)
	}

	patterns := make([]models.Pattern, 0, len(groups))
	for _, key := range order {
		g := groups[key]
		if len(g.submitters) < minOccurrences {
			continue
		}
		patterns = append(patterns, g.pattern())
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		return patterns[i].Key < patterns[j].Key
	})
	return patterns, nil
}

func (g *group) add(r models.FeedbackRecord) {
	if _, ok := g.variantN[r.Query]; !ok {
		g.variants = append(g.variants, r.Query)
	}
	g.variantN[r.Query]++

	ak := r.Actual.Key()
	if _, ok := g.actuals[ak]; !ok {
		g.actuals[ak] = r.Actual
		g.actualSeen = append(g.actualSeen, ak)
	}
	g.actualN[ak]++

	g.submitters[r.Submitter()] = struct{}{}
	g.confSum += r.Confidence
	g.confN++
	if c := strings.TrimSpace(r.Comment); c != "" && !contains(g.comments, c) {
		g.comments = append(g.comments, c)
	}
	g.recordIDs = append(g.recordIDs, r.ID)
}

func (g *group) pattern() models.Pattern {
	query := g.variants[0]
	for _, v := range g.variants[1:] {
		if g.variantN[v] > g.variantN[query] {
			query = v
		}
	}
	actual := g.actualSeen[0]
	for _, k := range g.actualSeen[1:] {
		if g.actualN[k] > g.actualN[actual] {
			actual = k
		}
	}

	p := models.Pattern{
		Key:         g.key,
		Query:       query,
		Variants:    append([]string(nil), g.variants...),
		Actual:      g.actuals[actual],
		Expected:    g.expected,
		Occurrences: len(g.submitters),
		Comments:    append([]string(nil), g.comments...),
		RecordIDs:   append([]string(nil), g.recordIDs...),
		Priority:    PriorityMedium,
	}
	if g.confN > 0 {
		p.AvgConfidence = round(g.confSum/float64(g.confN), 3)
	}
	if p.Occurrences >= highPriorityOccurrences {
		p.Priority = PriorityHigh
	}
	return p
}

// GenerateExamples proposes one feedback-provenance routing example per
// pattern. Examples are approved when the pattern's occurrences reach the
// threshold; zero uses the loop default. Ids are derived from the pattern
// key, so regenerating the same pattern yields the same id.
func (l *Loop) GenerateExamples(patterns []models.Pattern, autoApproveThreshold int) []models.GeneratedExample {
	if autoApproveThreshold <= 0 {
		autoApproveThreshold = l.autoApprove
	}
	now := l.now()
	out := make([]models.GeneratedExample, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, models.GeneratedExample{
			Example: models.RoutingExample{
				ID:         uuid.NewSHA1(exampleNamespace, []byte(p.Key)).String(),
				Text:       p.Query,
				Flags:      p.Expected,
				Category:   p.Expected.Category(),
				Provenance: models.ProvenanceFeedback,
				AddedAt:    now,
			},
			Occurrences:  p.Occurrences,
			Approved:     p.Occurrences >= autoApproveThreshold,
			Priority:     p.Priority,
			Comments:     p.Comments,
			RecordIDs:    p.RecordIDs,
			PatternQuery: p.Query,
		})
	}
	return out
}

// ── Cycles ───────────────────────────────────────────────────

// CycleOptions tunes one learning cycle. Zero fields use the loop defaults.
type CycleOptions struct {
	WindowDays           int `json:"window_days"`
	MinOccurrences       int `json:"min_occurrences"`
	AutoApproveThreshold int `json:"auto_approve_threshold"`
}

// CycleReport is the outcome of RunCycle.
type CycleReport struct {
	StartedAt            time.Time                 `json:"started_at"`
	WindowDays           int                       `json:"window_days"`
	MinOccurrences       int                       `json:"min_occurrences"`
	AutoApproveThreshold int                       `json:"auto_approve_threshold"`
	Patterns             []models.Pattern          `json:"patterns"`
	Generated            []models.GeneratedExample `json:"generated"`
	Approved             int                       `json:"approved"`
	PendingReview        int                       `json:"pending_review"`
}

// RunCycle analyzes feedback and generates examples without touching the
// corpus, then records a learning_cycle_summary event.
func (l *Loop) RunCycle(ctx context.Context, opts CycleOptions) (*CycleReport, error) {
	if opts.WindowDays <= 0 {
		opts.WindowDays = l.windowDays
	}
	if opts.MinOccurrences <= 0 {
		opts.MinOccurrences = l.minOccurrences
	}
	if opts.AutoApproveThreshold <= 0 {
		opts.AutoApproveThreshold = l.autoApprove
	}

	report := &CycleReport{
		StartedAt:            l.now(),
		WindowDays:           opts.WindowDays,
		MinOccurrences:       opts.MinOccurrences,
		AutoApproveThreshold: opts.AutoApproveThreshold,
	}
	patterns, err := l.Analyze(ctx, opts.WindowDays, opts.MinOccurrences)
	if err != nil {
		return nil, err
	}
	report.Patterns = patterns
	report.Generated = l.GenerateExamples(patterns, opts.AutoApproveThreshold)
	for _, g := range report.Generated {
		if g.Approved {
			report.Approved++
		} else {
			report.PendingReview++
		}
	}

	l.recorder.Record(models.AuditEvent{
		Kind: models.AuditLearningCycle,
		Details: map[string]any{
			"stage":                  "analyze",
			"window_days":            opts.WindowDays,
			"min_occurrences":        opts.MinOccurrences,
			"auto_approve_threshold": opts.AutoApproveThreshold,
			"patterns":               len(patterns),
			"generated":              len(report.Generated),
			"approved":               report.Approved,
			"pending_review":         report.PendingReview,
		},
	})
	log.Info().
		Int("patterns", len(patterns)).
		Int("approved", report.Approved).
		Int("pending_review", report.PendingReview).
		Msg("Learning cycle completed")
	return report, nil
}

// Ingester accepts routing examples into the live corpus.
type Ingester interface {
	Ingest(ctx context.Context, examples []models.RoutingExample) (router.IngestResult, error)
}

// IngestReport is the outcome of Ingest.
type IngestReport struct {
	Corpus    router.IngestResult `json:"corpus"`
	Ingested  int                 `json:"ingested"`
	Skipped   int                 `json:"skipped"`
	Processed int                 `json:"processed_records"`
}

// Ingest forwards the approved examples to ing and marks the feedback
// records behind them processed. Unapproved examples are skipped. Records
// stay unprocessed when the ingester fails.
func (l *Loop) Ingest(ctx context.Context, generated []models.GeneratedExample, ing Ingester) (*IngestReport, error) {
	report := &IngestReport{}
	var (
		examples  []models.RoutingExample
		recordIDs []string
	)
	for _, g := range generated {
		if !g.Approved {
			report.Skipped++
			continue
		}
		examples = append(examples, g.Example)
		recordIDs = append(recordIDs, g.RecordIDs...)
	}
	if len(examples) == 0 {
		return report, nil
	}

	res, err := ing.Ingest(ctx, examples)
	if err != nil {
		return nil, fmt.Errorf("ingest examples: %w", err)
	}
	report.Corpus = res
	report.Ingested = len(examples)

	n, err := l.store.MarkProcessed(ctx, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("mark feedback processed: %w", err)
	}
	report.Processed = n

	l.recorder.Record(models.AuditEvent{
		Kind: models.AuditLearningCycle,
		Details: map[string]any{
			"stage":             "ingest",
			"ingested":          report.Ingested,
			"skipped":           report.Skipped,
			"processed_records": report.Processed,
			"corpus_total":      res.Total,
		},
	})
	log.Info().Int("ingested", report.Ingested).Int("processed_records", n).Msg("Feedback examples ingested")
	return report, nil
}

// ── Statistics ───────────────────────────────────────────────

// Stats summarizes feedback inside the window. Accuracy is the share of
// correct judgments as a percentage rounded to two decimals.
func (l *Loop) Stats(ctx context.Context, windowDays int) (models.FeedbackStats, error) {
	if windowDays <= 0 {
		windowDays = l.windowDays
	}
	records, err := l.store.Since(ctx, l.windowStart(windowDays))
	if err != nil {
		return models.FeedbackStats{}, fmt.Errorf("load feedback: %w", err)
	}

	st := models.FeedbackStats{
		PeriodDays: windowDays,
		Breakdown: map[models.Judgment]int{
			models.JudgmentCorrect:   0,
			models.JudgmentIncorrect: 0,
			models.JudgmentPartial:   0,
		},
	}
	pending := map[string]struct{}{}
	for _, r := range records {
		st.TotalFeedback++
		st.Breakdown[r.Judgment]++
		if !r.Processed && isMistake(r.Judgment) {
			pending[models.NormalizeText(r.Query)] = struct{}{}
		}
	}
	if st.TotalFeedback > 0 {
		st.AccuracyRate = round(float64(st.Breakdown[models.JudgmentCorrect])/float64(st.TotalFeedback)*100, 2)
	}
	st.UnprocessedPatterns = len(pending)
	st.CanGenerateExamples = st.UnprocessedPatterns > 0
	return st, nil
}

// ── Helpers ─────────────────────────────────────────────────

func (l *Loop) windowStart(days int) time.Time {
	return l.now().Add(-time.Duration(days) * 24 * time.Hour)
}

func isMistake(j models.Judgment) bool {
	return j == models.JudgmentIncorrect || j == models.JudgmentPartial
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func round(f float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(f*p) / p
}
