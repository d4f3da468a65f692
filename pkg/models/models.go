package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ── Capabilities ─────────────────────────────────────────────

// Capability names one externally invokable tool. The set is closed:
// only the constants below are valid.
type Capability string

const (
	CapabilityRetrieval Capability = "search_knowledge_base"
	CapabilityLogQuery  Capability = "search_authentication_logs"
	CapabilityWebSearch Capability = "web_search"
)

// AllCapabilities lists the closed capability set in declaration order.
var AllCapabilities = []Capability{CapabilityRetrieval, CapabilityLogQuery, CapabilityWebSearch}

// Valid reports whether c belongs to the closed capability set.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityRetrieval, CapabilityLogQuery, CapabilityWebSearch:
		return true
	}
	return false
}

// Label is the short human name used in rationales and error messages.
func (c Capability) Label() string {
	switch c {
	case CapabilityRetrieval:
		return "document retrieval"
	case CapabilityLogQuery:
		return "log query"
	case CapabilityWebSearch:
		return "web search"
	default:
		return string(c)
	}
}

// ParseCapability accepts either the tool name or a short alias
// ("retrieval", "rag", "logs", "log_query", "web", "web_search").
func ParseCapability(s string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(CapabilityRetrieval), "retrieval", "rag", "use_rag":
		return CapabilityRetrieval, nil
	case string(CapabilityLogQuery), "logs", "log_query", "log-query", "use_logs":
		return CapabilityLogQuery, nil
	case string(CapabilityWebSearch), "web", "web-search", "use_web_search":
		return CapabilityWebSearch, nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// CapabilityFlags is the routing outcome: which capabilities a query needs.
type CapabilityFlags struct {
	Retrieval bool `json:"use_rag" yaml:"use_rag"`
	LogQuery  bool `json:"use_logs" yaml:"use_logs"`
	WebSearch bool `json:"use_web_search" yaml:"use_web_search"`
}

// FlagsOf builds flags from a capability list.
func FlagsOf(caps ...Capability) CapabilityFlags {
	var f CapabilityFlags
	for _, c := range caps {
		f = f.With(c)
	}
	return f
}

// With returns a copy of f with c enabled.
func (f CapabilityFlags) With(c Capability) CapabilityFlags {
	switch c {
	case CapabilityRetrieval:
		f.Retrieval = true
	case CapabilityLogQuery:
		f.LogQuery = true
	case CapabilityWebSearch:
		f.WebSearch = true
	}
	return f
}

// Has reports whether c is enabled.
func (f CapabilityFlags) Has(c Capability) bool {
	switch c {
	case CapabilityRetrieval:
		return f.Retrieval
	case CapabilityLogQuery:
		return f.LogQuery
	case CapabilityWebSearch:
		return f.WebSearch
	}
	return false
}

// Capabilities returns the enabled capabilities in declaration order.
func (f CapabilityFlags) Capabilities() []Capability {
	out := make([]Capability, 0, 3)
	for _, c := range AllCapabilities {
		if f.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// Empty is true when no capability is enabled.
func (f CapabilityFlags) Empty() bool {
	return !f.Retrieval && !f.LogQuery && !f.WebSearch
}

// Key is a stable string form used for grouping, e.g. "logs+web".
func (f CapabilityFlags) Key() string {
	var parts []string
	if f.Retrieval {
		parts = append(parts, "rag")
	}
	if f.LogQuery {
		parts = append(parts, "logs")
	}
	if f.WebSearch {
		parts = append(parts, "web")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Category derives the analytics label for a flag set. Web search wins
// over logs, logs over retrieval.
func (f CapabilityFlags) Category() string {
	switch {
	case f.WebSearch && f.Retrieval:
		return CategoryThreatAndPolicy
	case f.LogQuery && f.Retrieval:
		return CategoryLogsAndPolicy
	case f.WebSearch:
		return CategoryThreatIntel
	case f.LogQuery:
		return CategoryAuthLogs
	case f.Retrieval:
		return CategoryPolicyGuidance
	default:
		return CategoryUnknown
	}
}

// Routing categories used for analytics.
const (
	CategoryThreatIntel     = "threat_intelligence"
	CategoryAuthLogs        = "authentication_logs"
	CategoryPolicyGuidance  = "policy_guidance"
	CategoryLogsAndPolicy   = "logs_and_policy"
	CategoryThreatAndPolicy = "threat_and_policy"
	CategoryUnknown         = "unknown"
)

// ── Routing ──────────────────────────────────────────────────

// RoutingMethod tags which tier produced a decision.
type RoutingMethod string

const (
	MethodOverride   RoutingMethod = "override"
	MethodSimilarity RoutingMethod = "similarity"
	MethodFallback   RoutingMethod = "fallback"
)

// RoutingDecision is the immutable output of the routing engine.
type RoutingDecision struct {
	ID             string          `json:"id"`
	Query          string          `json:"query"`
	Role           string          `json:"role,omitempty"`
	Flags          CapabilityFlags `json:"flags"`
	Method         RoutingMethod   `json:"method"`
	Confidence     float64         `json:"confidence"`
	Category       string          `json:"category"`
	MatchedExample *RoutingExample `json:"matched_example,omitempty"`
	MatchedRule    string          `json:"matched_rule,omitempty"`
	Rationale      string          `json:"rationale"`
	LatencyMs      int64           `json:"latency_ms"`
	DecidedAt      time.Time       `json:"decided_at"`
}

// Provenance records where a routing example came from.
type Provenance string

const (
	ProvenanceSeed     Provenance = "seed"
	ProvenanceMined    Provenance = "mined"
	ProvenanceFeedback Provenance = "feedback"
)

// RoutingExample is one labeled entry of the similarity corpus.
type RoutingExample struct {
	ID         string          `json:"id" yaml:"id"`
	Text       string          `json:"text" yaml:"text" validate:"required"`
	Flags      CapabilityFlags `json:"flags" yaml:"flags"`
	Category   string          `json:"category" yaml:"category"`
	Provenance Provenance      `json:"provenance" yaml:"provenance" validate:"required,oneof=seed mined feedback"`
	AddedAt    time.Time       `json:"added_at" yaml:"added_at"`
}

// NormalizeText lower-cases, collapses whitespace and trims trailing
// punctuation. Used for example and feedback deduplication.
func NormalizeText(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, " .?!,;:")
}

// SortExamples orders examples newest first, ties broken by id.
func SortExamples(examples []RoutingExample) {
	sort.SliceStable(examples, func(i, j int) bool {
		if !examples[i].AddedAt.Equal(examples[j].AddedAt) {
			return examples[i].AddedAt.After(examples[j].AddedAt)
		}
		return examples[i].ID < examples[j].ID
	})
}

// ── Permissions ──────────────────────────────────────────────

// PermissionDecision is the derived outcome of one gate check.
type PermissionDecision struct {
	Role       string     `json:"role"`
	Capability Capability `json:"capability"`
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
}

// ── Override Rules ───────────────────────────────────────────

// Rule matcher types.
const (
	RuleTypeRegex   = "regex"
	RuleTypeKeyword = "keyword"
	// RuleTypeExpr evaluates a boolean expr-lang expression over the query.
	RuleTypeExpr = "expr"
)

// OverrideRule is the persisted form of a deterministic routing rule.
// The router compiles it before use.
type OverrideRule struct {
	Name        string          `json:"name" yaml:"name" validate:"required"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string          `json:"category,omitempty" yaml:"category,omitempty"`
	Priority    int             `json:"priority" yaml:"priority"`
	Type        string          `json:"type" yaml:"type" validate:"required,oneof=regex keyword expr"`
	Pattern     string          `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Patterns    []string        `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Keywords    []string        `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	RequireAll  bool            `json:"require_all,omitempty" yaml:"require_all,omitempty"`
	Expression  string          `json:"expression,omitempty" yaml:"expression,omitempty"`
	Route       CapabilityFlags `json:"route" yaml:"route"`
	Reason      string          `json:"reason,omitempty" yaml:"reason,omitempty"`
	Disabled    bool            `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}
