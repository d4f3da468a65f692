package router_test

import (
	"strings"
	"testing"

	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var web = models.FlagsOf(models.CapabilityWebSearch)

func TestCompileRulesOrdersByPriority(t *testing.T) {
	rs, err := router.CompileRules([]models.OverrideRule{
		{Name: "low", Priority: 1, Type: models.RuleTypeKeyword, Keywords: []string{"alert"}, Route: models.FlagsOf(models.CapabilityLogQuery)},
		{Name: "high", Priority: 10, Type: models.RuleTypeKeyword, Keywords: []string{"alert"}, Route: web},
		{Name: "off", Priority: 99, Type: models.RuleTypeKeyword, Keywords: []string{"alert"}, Route: web, Disabled: true},
	})
	require.NoError(t, err)
	require.Equal(t, 2, rs.Len())

	r, ok := rs.Match("New ALERT from the SOC")
	require.True(t, ok)
	assert.Equal(t, "high", r.Name)
	assert.Equal(t, models.CategoryThreatIntel, r.Category)
	assert.Equal(t, "override:high", r.Reason)
}

func TestCompileRulesRejectsInvalidSpecs(t *testing.T) {
	cases := map[string]models.OverrideRule{
		"missing name":   {Type: models.RuleTypeKeyword, Keywords: []string{"x"}, Route: web},
		"unknown type":   {Name: "a", Type: "glob", Pattern: "x", Route: web},
		"bad regex":      {Name: "a", Type: models.RuleTypeRegex, Pattern: "[", Route: web},
		"no patterns":    {Name: "a", Type: models.RuleTypeRegex, Route: web},
		"blank keyword":  {Name: "a", Type: models.RuleTypeKeyword, Keywords: []string{"  "}, Route: web},
		"empty route":    {Name: "a", Type: models.RuleTypeKeyword, Keywords: []string{"x"}},
		"no expression":  {Name: "a", Type: models.RuleTypeExpr, Route: web},
		"bad expression": {Name: "a", Type: models.RuleTypeExpr, Expression: "query matches", Route: web},
		"non-bool expr":  {Name: "a", Type: models.RuleTypeExpr, Expression: "length + 1", Route: web},
		"unknown var":    {Name: "a", Type: models.RuleTypeExpr, Expression: "user == 'x'", Route: web},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := router.CompileRules([]models.OverrideRule{spec})
			assert.ErrorIs(t, err, router.ErrInvalidRule)
		})
	}

	_, err := router.CompileRules([]models.OverrideRule{
		{Name: "dup", Type: models.RuleTypeKeyword, Keywords: []string{"x"}, Route: web},
		{Name: "dup", Type: models.RuleTypeKeyword, Keywords: []string{"y"}, Route: web},
	})
	assert.ErrorContains(t, err, "duplicate")
}

func TestKeywordAnyVersusAll(t *testing.T) {
	rs, err := router.CompileRules([]models.OverrideRule{
		{Name: "all", Priority: 2, Type: models.RuleTypeKeyword, Keywords: []string{"ransomware", "policy"}, RequireAll: true, Route: web},
		{Name: "any", Priority: 1, Type: models.RuleTypeKeyword, Keywords: []string{"ransomware", "malware"}, Route: models.FlagsOf(models.CapabilityRetrieval)},
	})
	require.NoError(t, err)

	r, ok := rs.Match("ransomware policy update")
	require.True(t, ok)
	assert.Equal(t, "all", r.Name)

	r, ok = rs.Match("is this malware?")
	require.True(t, ok)
	assert.Equal(t, "any", r.Name)

	_, ok = rs.Match("quarterly report")
	assert.False(t, ok)
}

func TestRegexRulesAreCaseInsensitive(t *testing.T) {
	rs, err := router.CompileRules([]models.OverrideRule{
		{Name: "cve", Type: models.RuleTypeRegex, Patterns: []string{`CVE-\d{4}-\d{4,}`}, Route: web},
	})
	require.NoError(t, err)

	_, ok := rs.Match("status of cve-2021-44228?")
	assert.True(t, ok)
	_, ok = rs.Match("CVE-21-1")
	assert.False(t, ok)
	assert.Equal(t, "cve", rs.Specs()[0].Name)
}

func TestExprRules(t *testing.T) {
	rs, err := router.CompileRules([]models.OverrideRule{{
		Name:       "credential-attack",
		Priority:   20,
		Type:       models.RuleTypeExpr,
		Expression: `"brute" in words || query matches "password ?spray"`,
		Route:      models.FlagsOf(models.CapabilityLogQuery, models.CapabilityWebSearch),
	}, {
		Name:       "long-question",
		Priority:   1,
		Type:       models.RuleTypeExpr,
		Expression: `length > 120`,
		Route:      models.FlagsOf(models.CapabilityRetrieval),
	}})
	require.NoError(t, err)

	r, ok := rs.Match("Any BRUTE force attempts on the VPN?")
	require.True(t, ok)
	assert.Equal(t, "credential-attack", r.Name)

	r, ok = rs.Match("was there a Password Spray last night")
	require.True(t, ok)
	assert.Equal(t, "credential-attack", r.Name)

	_, ok = rs.Match("what is our vpn policy")
	assert.False(t, ok)

	r, ok = rs.Match(strings.Repeat("explain ", 20))
	require.True(t, ok)
	assert.Equal(t, "long-question", r.Name)
}
