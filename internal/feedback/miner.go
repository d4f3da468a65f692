package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/google/uuid"
)

const (
	minMinedQueryLen = 5
	maxMinedQueryLen = 200
)

var minedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("triage/audit-mined"))

// MineReport summarizes one pass over an audit log.
type MineReport struct {
	Lines     int `json:"lines"`
	Malformed int `json:"malformed"`
	Decisions int `json:"decisions"`
	Skipped   int `json:"skipped"`
	Mined     int `json:"mined"`
}

// MineAuditLog reads a JSONL audit log and turns routing_decision events
// decided by an override rule or a similarity match into mined routing
// examples. Fallback decisions carry no routing signal and are skipped,
// as are very short queries and decisions without any capability. The
// first decision seen for a normalized query wins. Mining stops after max
// examples when max is positive. Malformed lines are counted and skipped.
func MineAuditLog(r io.Reader, max int) ([]models.RoutingExample, MineReport, error) {
	var (
		rep  MineReport
		out  []models.RoutingExample
		seen = map[string]struct{}{}
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rep.Lines++

		var ev models.AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			rep.Malformed++
			continue
		}
		if ev.Kind != models.AuditRoutingDecision {
			continue
		}
		rep.Decisions++

		ex, ok := minedExample(ev)
		if !ok {
			rep.Skipped++
			continue
		}
		key := models.NormalizeText(ex.Text)
		if _, dup := seen[key]; dup {
			rep.Skipped++
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ex)
		if max > 0 && len(out) >= max {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return out, rep, fmt.Errorf("read audit log: %w", err)
	}
	rep.Mined = len(out)
	return out, rep, nil
}

func minedExample(ev models.AuditEvent) (models.RoutingExample, bool) {
	method, _ := ev.Details["method"].(string)
	if method != string(models.MethodOverride) && method != string(models.MethodSimilarity) {
		return models.RoutingExample{}, false
	}
	query, _ := ev.Details["query"].(string)
	query = strings.TrimSpace(query)
	if len([]rune(query)) < minMinedQueryLen {
		return models.RoutingExample{}, false
	}
	if runes := []rune(query); len(runes) > maxMinedQueryLen {
		query = string(runes[:maxMinedQueryLen])
	}

	var flags models.CapabilityFlags
	raw, err := json.Marshal(ev.Details["flags"])
	if err != nil || json.Unmarshal(raw, &flags) != nil || flags.Empty() {
		return models.RoutingExample{}, false
	}

	addedAt := ev.Timestamp
	if addedAt.IsZero() {
		addedAt = time.Now().UTC()
	}
	return models.RoutingExample{
		ID:         uuid.NewSHA1(minedNamespace, []byte(models.NormalizeText(query))).String(),
		Text:       query,
		Flags:      flags,
		Category:   flags.Category(),
		Provenance: models.ProvenanceMined,
		AddedAt:    addedAt,
	}, true
}
