package router

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentoven/triage/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-playground/validator/v10"
)

// Rule is a compiled override rule.
type Rule struct {
	models.OverrideRule
	patterns []*regexp.Regexp
	keywords []string
	program  *vm.Program
}

// exprEnv is the variable set visible to expr rules:
// query (lower-cased), raw, words and length (in runes).
func exprEnv(query string) map[string]any {
	lower := strings.ToLower(query)
	return map[string]any{
		"query":  lower,
		"raw":    query,
		"words":  strings.Fields(lower),
		"length": len([]rune(query)),
	}
}

// Matches reports whether the rule fires for query. Regex patterns are
// OR-ed; keywords are case-insensitive substrings, any or all of them.
// An expr rule fires when its expression yields true; evaluation errors
// count as no match.
func (r *Rule) Matches(query string) bool {
	switch r.Type {
	case models.RuleTypeRegex:
		for _, re := range r.patterns {
			if re.MatchString(query) {
				return true
			}
		}
		return false
	case models.RuleTypeKeyword:
		q := strings.ToLower(query)
		for _, kw := range r.keywords {
			hit := strings.Contains(q, kw)
			if r.RequireAll && !hit {
				return false
			}
			if !r.RequireAll && hit {
				return true
			}
		}
		return r.RequireAll && len(r.keywords) > 0
	case models.RuleTypeExpr:
		out, err := expr.Run(r.program, exprEnv(query))
		if err != nil {
			return false
		}
		hit, _ := out.(bool)
		return hit
	}
	return false
}

// RuleSet is an immutable, priority-ordered list of compiled rules.
type RuleSet struct {
	rules []*Rule
}

var validate = validator.New()

// ErrInvalidRule is returned by CompileRules for rules that cannot be used.
var ErrInvalidRule = errors.New("invalid override rule")

// CompileRules validates and compiles specs. Disabled rules are dropped.
// The result is sorted by descending priority; equal priorities keep their
// input order.
func CompileRules(specs []models.OverrideRule) (*RuleSet, error) {
	rs := &RuleSet{}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Disabled {
			continue
		}
		if err := validate.Struct(spec); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %w", ErrInvalidRule, spec.Name, err)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%w: rule %q: duplicate name", ErrInvalidRule, spec.Name)
		}
		seen[spec.Name] = true
		if spec.Route.Empty() {
			return nil, fmt.Errorf("%w: rule %q: route enables no capability", ErrInvalidRule, spec.Name)
		}

		r := &Rule{OverrideRule: spec}
		if r.Category == "" {
			r.Category = spec.Route.Category()
		}
		if r.Reason == "" {
			r.Reason = "override:" + spec.Name
		}
		switch spec.Type {
		case models.RuleTypeRegex:
			patterns := append([]string(nil), spec.Patterns...)
			if spec.Pattern != "" {
				patterns = append(patterns, spec.Pattern)
			}
			if len(patterns) == 0 {
				return nil, fmt.Errorf("%w: rule %q: regex rule without patterns", ErrInvalidRule, spec.Name)
			}
			for _, p := range patterns {
				re, err := regexp.Compile("(?i)" + p)
				if err != nil {
					return nil, fmt.Errorf("%w: rule %q: invalid pattern %q: %w", ErrInvalidRule, spec.Name, p, err)
				}
				r.patterns = append(r.patterns, re)
			}
		case models.RuleTypeKeyword:
			for _, kw := range spec.Keywords {
				if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
					r.keywords = append(r.keywords, kw)
				}
			}
			if len(r.keywords) == 0 {
				return nil, fmt.Errorf("%w: rule %q: keyword rule without keywords", ErrInvalidRule, spec.Name)
			}
		case models.RuleTypeExpr:
			if strings.TrimSpace(spec.Expression) == "" {
				return nil, fmt.Errorf("%w: rule %q: expr rule without expression", ErrInvalidRule, spec.Name)
			}
			program, err := expr.Compile(spec.Expression, expr.Env(exprEnv("")), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("%w: rule %q: invalid expression: %w", ErrInvalidRule, spec.Name, err)
			}
			r.program = program
		}
		rs.rules = append(rs.rules, r)
	}

	sort.SliceStable(rs.rules, func(i, j int) bool {
		return rs.rules[i].Priority > rs.rules[j].Priority
	})
	return rs, nil
}

// Match returns the highest-priority rule that fires for query.
func (rs *RuleSet) Match(query string) (*Rule, bool) {
	if rs == nil {
		return nil, false
	}
	for _, r := range rs.rules {
		if r.Matches(query) {
			return r, true
		}
	}
	return nil, false
}

// Len returns the number of active rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Specs returns the rules in evaluation order.
func (rs *RuleSet) Specs() []models.OverrideRule {
	if rs == nil {
		return nil
	}
	out := make([]models.OverrideRule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.OverrideRule
	}
	return out
}
