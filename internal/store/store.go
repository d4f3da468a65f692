// Package store persists the state that must survive restarts: the routing
// example corpus and the override rule set. Conversation state and audit
// buffers are not stored here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a backing file or table has nothing stored yet.
var ErrNotFound = errors.New("not found")

// CorpusStore is the persistence contract for routing state. All router
// code depends on this interface, so file, Postgres and in-memory
// implementations are interchangeable.
type CorpusStore interface {
	Kind() string

	// LoadExamples returns every stored example, or ErrNotFound when the
	// store has never been written.
	LoadExamples(ctx context.Context) ([]models.RoutingExample, error)
	// UpsertExamples inserts or replaces examples by id.
	UpsertExamples(ctx context.Context, examples []models.RoutingExample) error

	// LoadRules returns the stored override rules, or ErrNotFound.
	LoadRules(ctx context.Context) ([]models.OverrideRule, error)
	// SaveRules replaces the stored rule set.
	SaveRules(ctx context.Context, rules []models.OverrideRule) error

	Ping(ctx context.Context) error
	Close() error
}

// Open returns the Postgres store when a database URL is configured and a
// file store otherwise.
func Open(ctx context.Context, cfg *config.Config) (CorpusStore, error) {
	if cfg.Database.URL != "" {
		return NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
	}
	log.Info().
		Str("examples", cfg.Routing.ExamplesPath).
		Str("rules", cfg.Routing.RulesPath).
		Msg("Using file corpus store")
	return NewFileStore(cfg.Routing.ExamplesPath, cfg.Routing.RulesPath), nil
}

// ── Seed data ───────────────────────────────────────────────

var seedTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(id, text string, flags models.CapabilityFlags) models.RoutingExample {
	return models.RoutingExample{
		ID:         id,
		Text:       text,
		Flags:      flags,
		Category:   flags.Category(),
		Provenance: models.ProvenanceSeed,
		AddedAt:    seedTime,
	}
}

// SeedExamples is the built-in corpus used when nothing is stored yet.
func SeedExamples() []models.RoutingExample {
	rag := models.FlagsOf(models.CapabilityRetrieval)
	logs := models.FlagsOf(models.CapabilityLogQuery)
	web := models.FlagsOf(models.CapabilityWebSearch)
	logsAndPolicy := models.FlagsOf(models.CapabilityLogQuery, models.CapabilityRetrieval)
	webAndPolicy := models.FlagsOf(models.CapabilityWebSearch, models.CapabilityRetrieval)

	return []models.RoutingExample{
		seed("seed-001", "What is our password policy?", rag),
		seed("seed-002", "How do I respond to a phishing email?", rag),
		seed("seed-003", "What are the steps in the incident response playbook?", rag),
		seed("seed-004", "How often do passwords need to be rotated?", rag),
		seed("seed-005", "Is MFA required for admin accounts?", rag),
		seed("seed-006", "Show me failed login attempts from today", logs),
		seed("seed-007", "Which users had failed logins yesterday?", logs),
		seed("seed-008", "List login activity for user jdoe", logs),
		seed("seed-009", "Were there any logins from IP 185.21.54.100?", logs),
		seed("seed-010", "Show successful logins for admin this week", logs),
		seed("seed-011", "What is the latest news about ransomware attacks?", web),
		seed("seed-012", "Are there any new zero-day vulnerabilities in Chrome?", web),
		seed("seed-013", "What is the CVSS score of the latest OpenSSL vulnerability?", web),
		seed("seed-014", "Look up threat intelligence on the Lazarus group", web),
		seed("seed-015", "Show failed logins today and tell me what our lockout policy says", logsAndPolicy),
		seed("seed-016", "Is this brute force activity a policy violation?", logsAndPolicy),
		seed("seed-017", "Are we affected by the new Log4j variant and what does our patch policy require?", webAndPolicy),
		seed("seed-018", "What does our playbook say about the latest phishing campaign in the news?", webAndPolicy),
	}
}

// DefaultRules are the built-in override rules.
func DefaultRules() []models.OverrideRule {
	return []models.OverrideRule{
		{
			Name:        "cve-identifier",
			Description: "CVE identifiers always need current vulnerability data",
			Category:    models.CategoryThreatIntel,
			Priority:    100,
			Type:        models.RuleTypeRegex,
			Patterns:    []string{`CVE-\d{4}-\d{4,}`},
			Route:       models.FlagsOf(models.CapabilityWebSearch),
			Reason:      "override:cve-lookup",
		},
		{
			Name:        "failed-login-today",
			Description: "Failed login questions go straight to the authentication logs",
			Category:    models.CategoryAuthLogs,
			Priority:    50,
			Type:        models.RuleTypeKeyword,
			Keywords:    []string{"failed", "login"},
			RequireAll:  true,
			Route:       models.FlagsOf(models.CapabilityLogQuery),
			Reason:      "override:failed-logins",
		},
	}
}
