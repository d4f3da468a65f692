package feedback_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/triage/internal/audit"
	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/feedback"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decisionLine(t *testing.T, query string, method models.RoutingMethod, flags models.CapabilityFlags) string {
	t.Helper()
	b, err := json.Marshal(models.AuditEvent{
		ID:        "ev",
		Kind:      models.AuditRoutingDecision,
		Timestamp: time.Date(2025, 10, 20, 8, 0, 0, 0, time.UTC),
		Details: map[string]any{
			"query":  query,
			"method": string(method),
			"flags":  flags,
		},
	})
	require.NoError(t, err)
	return string(b)
}

func TestMineAuditLog(t *testing.T) {
	logs := models.FlagsOf(models.CapabilityLogQuery)
	web := models.FlagsOf(models.CapabilityWebSearch)
	lines := []string{
		decisionLine(t, "Show failed logins today", models.MethodOverride, logs),
		`{not json`,
		decisionLine(t, "show failed logins today!", models.MethodSimilarity, web),
		decisionLine(t, "What is our password policy", models.MethodFallback, models.FlagsOf(models.CapabilityRetrieval)),
		decisionLine(t, "hi", models.MethodSimilarity, logs),
		decisionLine(t, "Latest advisory for CVE-2024-3094", models.MethodOverride, web),
		decisionLine(t, "nothing routed here", models.MethodSimilarity, models.CapabilityFlags{}),
		`{"kind":"tool_invocation","details":{"query":"ignored query"}}`,
		"",
	}

	examples, rep, err := feedback.MineAuditLog(strings.NewReader(strings.Join(lines, "\n")), 0)
	require.NoError(t, err)
	require.Len(t, examples, 2)

	assert.Equal(t, "Show failed logins today", examples[0].Text)
	assert.Equal(t, logs, examples[0].Flags)
	assert.Equal(t, models.CategoryAuthLogs, examples[0].Category)
	assert.Equal(t, models.ProvenanceMined, examples[0].Provenance)
	assert.Equal(t, "Latest advisory for CVE-2024-3094", examples[1].Text)
	assert.Equal(t, models.CategoryThreatIntel, examples[1].Category)

	assert.Equal(t, 8, rep.Lines)
	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, 6, rep.Decisions)
	assert.Equal(t, 4, rep.Skipped)
	assert.Equal(t, 2, rep.Mined)
}

func TestMineAuditLogLimitAndTruncation(t *testing.T) {
	logs := models.FlagsOf(models.CapabilityLogQuery)
	long := strings.Repeat("x", 300)
	input := strings.Join([]string{
		decisionLine(t, long, models.MethodSimilarity, logs),
		decisionLine(t, "second query text", models.MethodSimilarity, logs),
	}, "\n")

	examples, _, err := feedback.MineAuditLog(strings.NewReader(input), 1)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.Len(t, examples[0].Text, 200)
}

func TestMineReadsFileSinkOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := audit.NewFileSink(config.AuditConfig{FilePath: path, MaxSizeMB: 1})
	rec := audit.NewRecorder([]audit.Sink{sink})
	rec.Record(models.AuditEvent{
		Kind: models.AuditRoutingDecision,
		Details: map[string]any{
			"query":  "Who logged in from 10.0.0.5 yesterday",
			"method": string(models.MethodSimilarity),
			"flags":  models.FlagsOf(models.CapabilityLogQuery),
		},
	})

	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	examples, _, err := feedback.MineAuditLog(f, 0)
	require.NoError(t, err)
	require.Len(t, examples, 1)
	assert.True(t, examples[0].Flags.LogQuery)
}
