package models

import "time"

// ── Feedback & Learning ──────────────────────────────────────

// Judgment is a user or operator verdict on a routing decision.
type Judgment string

const (
	JudgmentCorrect   Judgment = "correct"
	JudgmentIncorrect Judgment = "incorrect"
	JudgmentPartial   Judgment = "partial"
)

// FeedbackRecord is a stored judgment about a past routing decision.
// Only Processed changes after creation.
type FeedbackRecord struct {
	ID         string           `json:"id"`
	Query      string           `json:"query" validate:"required,max=2000"`
	Actual     CapabilityFlags  `json:"actual_route"`
	Expected   *CapabilityFlags `json:"expected_route,omitempty"`
	Judgment   Judgment         `json:"judgment" validate:"required,oneof=correct incorrect partial"`
	Confidence float64          `json:"confidence" validate:"gte=0,lte=1"`
	Method     RoutingMethod    `json:"routing_method" validate:"omitempty,oneof=override similarity fallback"`
	Comment    string           `json:"comment,omitempty" validate:"max=2000"`
	UserID     string           `json:"user_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Processed  bool             `json:"processed"`
}

// Submitter identifies who sent the record for deduplication. Anonymous
// records are each their own submitter.
func (r FeedbackRecord) Submitter() string {
	switch {
	case r.UserID != "":
		return "user:" + r.UserID
	case r.SessionID != "":
		return "session:" + r.SessionID
	default:
		return "record:" + r.ID
	}
}

// Pattern is a recurring routing mistake found by analysis.
type Pattern struct {
	Key           string          `json:"key"`
	Query         string          `json:"query"`
	Variants      []string        `json:"variants"`
	Actual        CapabilityFlags `json:"actual_route"`
	Expected      CapabilityFlags `json:"expected_route"`
	Occurrences   int             `json:"occurrences"`
	AvgConfidence float64         `json:"avg_confidence"`
	Comments      []string        `json:"comments,omitempty"`
	RecordIDs     []string        `json:"record_ids"`
	Priority      string          `json:"priority"`
}

// GeneratedExample is a routing example proposed by the learning loop.
type GeneratedExample struct {
	Example      RoutingExample `json:"example"`
	Occurrences  int            `json:"occurrences"`
	Approved     bool           `json:"approved"`
	Priority     string         `json:"priority"`
	Comments     []string       `json:"comments,omitempty"`
	RecordIDs    []string       `json:"record_ids"`
	PatternQuery string         `json:"pattern_query"`
}

// FeedbackStats is the aggregate accuracy over a window.
type FeedbackStats struct {
	PeriodDays          int              `json:"period_days"`
	TotalFeedback       int              `json:"total_feedback"`
	Breakdown           map[Judgment]int `json:"feedback_breakdown"`
	AccuracyRate        float64          `json:"accuracy_rate"`
	UnprocessedPatterns int              `json:"unprocessed_patterns"`
	CanGenerateExamples bool             `json:"can_generate_examples"`
}
