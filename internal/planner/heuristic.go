package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentoven/triage/pkg/models"
)

var cveID = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,}`)

// Heuristic is an offline planner for local runs without a model server.
// On the first iteration of a turn it calls the capabilities named by the
// routing hint (or every declared one); once results are in, it answers
// with their concatenation.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Plan(_ context.Context, req Request) (*Response, error) {
	last := -1
	for i, m := range req.Messages {
		if m.Role == models.RoleUser {
			last = i
		}
	}
	if last < 0 {
		return nil, fmt.Errorf("%w: no user message", ErrMalformedResponse)
	}
	question := req.Messages[last].Content

	var results []models.ChatMessage
	for _, m := range req.Messages[last+1:] {
		if m.Role == models.RoleTool {
			results = append(results, m)
		}
	}
	if len(results) > 0 {
		var b strings.Builder
		b.WriteString("Here is what I found.")
		for _, r := range results {
			fmt.Fprintf(&b, "\n\n%s:\n%s", r.Name, r.Content)
		}
		return &Response{Answer: b.String(), Rationale: "summarized tool results"}, nil
	}

	declared := make(map[models.Capability]bool, len(req.Tools))
	for _, t := range req.Tools {
		declared[t.Name] = true
	}
	var picks []models.Capability
	if req.Hint != nil {
		for _, c := range req.Hint.Flags.Capabilities() {
			if declared[c] {
				picks = append(picks, c)
			}
		}
	}
	if len(picks) == 0 {
		for _, t := range req.Tools {
			picks = append(picks, t.Name)
		}
	}
	if len(picks) == 0 {
		return &Response{Answer: "I have no tools available to answer this question."}, nil
	}

	resp := &Response{Rationale: "calling routed capabilities"}
	for _, c := range picks {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:        fmt.Sprintf("call_%d_%s", len(req.Messages), c),
			Name:      string(c),
			Arguments: heuristicArgs(c, question),
		})
	}
	return resp, nil
}

func heuristicArgs(c models.Capability, question string) map[string]any {
	q := strings.ToLower(question)
	switch c {
	case models.CapabilityLogQuery:
		args := map[string]any{"date_start": "today", "result_filter": "failed"}
		switch {
		case strings.Contains(q, "yesterday"):
			args["date_start"] = "yesterday"
		case strings.Contains(q, "this week") || strings.Contains(q, "last 7 days"):
			args["date_start"] = "last_7_days"
		}
		if strings.Contains(q, "successful") {
			args["result_filter"] = "successful"
		}
		return args
	case models.CapabilityWebSearch:
		args := map[string]any{"query": question, "search_type": "general"}
		if cveID.MatchString(question) {
			args["search_type"] = "cve"
		}
		return args
	default:
		return map[string]any{"query": question}
	}
}
