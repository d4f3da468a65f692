package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/agentoven/triage/pkg/models"
	"github.com/rs/zerolog/log"
)

// WebResult is one search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebReport is the structured result of a web search. CVEs is set when
// the NVD answered a cve search; Results otherwise.
type WebReport struct {
	Query      string      `json:"query"`
	SearchType string      `json:"search_type"`
	Source     string      `json:"source"`
	Results    []WebResult `json:"results,omitempty"`
	CVEs       []CVERecord `json:"cves,omitempty"`
}

// Search types.
const (
	SearchGeneral          = "general"
	SearchCVE              = "cve"
	SearchIPReputation     = "ip_reputation"
	SearchDomainReputation = "domain_reputation"
)

// reputationSuffix steers a SearXNG query toward reputation sources.
var reputationSuffix = map[string]string{
	SearchIPReputation:     " site:abuseipdb.com OR site:virustotal.com OR malicious",
	SearchDomainReputation: " site:virustotal.com OR site:urlhaus.abuse.ch OR malicious",
}

var cvePattern = regexp.MustCompile(`(?i)CVE-\d{4}-\d{4,7}`)

// WebSearch answers web_search calls through a SearXNG instance's JSON API.
// With an NVD client, cve searches ask the NVD first and fall back to
// SearXNG when it fails or knows nothing.
type WebSearch struct {
	baseURL string
	client  *http.Client
	nvd     *NVDClient
}

// WebSearchOption configures a WebSearch.
type WebSearchOption func(*WebSearch)

// WithNVD enables structured CVE lookups.
func WithNVD(c *NVDClient) WebSearchOption {
	return func(w *WebSearch) { w.nvd = c }
}

// NewWebSearch creates a SearXNG-backed web search. baseURL is the root
// of the instance, e.g. http://localhost:8888.
func NewWebSearch(baseURL string, opts ...WebSearchOption) *WebSearch {
	w := &WebSearch{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WebSearch) Name() models.Capability { return models.CapabilityWebSearch }

func (w *WebSearch) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name: models.CapabilityWebSearch,
		Description: "Search external threat intelligence for CVEs, security advisories, IP and domain reputation, " +
			"threat actors and security news. Does not search internal logs or documents.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query, e.g. 'CVE-2024-1234' or 'latest ransomware threats'",
				},
				"search_type": map[string]any{
					"type":        "string",
					"enum":        []string{SearchGeneral, SearchCVE, SearchIPReputation, SearchDomainReputation},
					"description": "'cve' only for looking up a specific CVE id; 'ip_reputation' or 'domain_reputation' to check an indicator; 'general' otherwise",
					"default":     SearchGeneral,
				},
				"max_results": map[string]any{"type": "integer", "default": 5},
			},
			"required": []string{"query"},
		},
	}
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (w *WebSearch) Invoke(ctx context.Context, args map[string]any, _ string) (*Result, error) {
	query := argString(args, "query", "")
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	count, err := argInt(args, "max_results", 5, 1, 10)
	if err != nil {
		return nil, err
	}
	searchType := strings.ToLower(argString(args, "search_type", SearchGeneral))
	switch searchType {
	case SearchGeneral:
	case SearchIPReputation, SearchDomainReputation:
		query += reputationSuffix[searchType]
	case SearchCVE:
		ids := cveIDs(query, count)
		if recs := w.lookupCVEs(ctx, query, ids, count); len(recs) > 0 {
			report := &WebReport{Query: query, SearchType: searchType, Source: "nvd", CVEs: recs}
			return &Result{Content: formatCVEs(recs), Data: report}, nil
		}
		// Without an id the SearXNG fallback is a general search.
		if len(ids) > 0 {
			query = ids[0] + " vulnerability advisory"
		} else {
			searchType = SearchGeneral
		}
	default:
		return nil, fmt.Errorf("%w: search_type must be one of general, cve, ip_reputation, domain_reputation", ErrInvalidArguments)
	}

	results, err := w.Search(ctx, query, count)
	if err != nil {
		return nil, err
	}
	report := &WebReport{Query: query, SearchType: searchType, Source: "searxng", Results: results}
	return &Result{Content: formatWebResults(results), Data: report}, nil
}

// lookupCVEs asks the NVD by id, or by keyword when the query names none.
// Errors are logged and yield no records so the caller falls back.
func (w *WebSearch) lookupCVEs(ctx context.Context, query string, ids []string, count int) []CVERecord {
	if w.nvd == nil {
		return nil
	}
	var (
		recs []CVERecord
		err  error
	)
	if len(ids) > 0 {
		recs, err = w.nvd.Lookup(ctx, ids)
	} else if kw := nvdKeywords(query); kw != "" {
		recs, err = w.nvd.Search(ctx, kw, count)
	}
	if err != nil {
		log.Warn().Err(err).Str("query", query).Msg("NVD lookup failed, falling back to web search")
		return nil
	}
	return recs
}

func cveIDs(query string, limit int) []string {
	seen := map[string]bool{}
	var ids []string
	for _, m := range cvePattern.FindAllString(query, -1) {
		id := strings.ToUpper(m)
		if !seen[id] && len(ids) < limit {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Search queries the SearXNG /search endpoint and returns at most count hits.
func (w *WebSearch) Search(ctx context.Context, query string, count int) ([]WebResult, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("searxng: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}
	results := make([]WebResult, 0, min(count, len(sr.Results)))
	for _, r := range sr.Results {
		if len(results) == count {
			break
		}
		results = append(results, WebResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}

func formatCVEs(recs []CVERecord) string {
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, r.ID)
		if r.Severity != "" {
			fmt.Fprintf(&b, " (CVSS %.1f %s)", r.Score, r.Severity)
		}
		if r.Published != "" {
			fmt.Fprintf(&b, "\n   Published: %s", r.Published)
		}
		if r.KnownExploited {
			b.WriteString("\n   Known exploited (CISA KEV)")
		}
		if r.Description != "" {
			fmt.Fprintf(&b, "\n   %s", truncate(r.Description, 400))
		}
		fmt.Fprintf(&b, "\n   %s", r.URL)
	}
	return b.String()
}

func formatWebResults(results []WebResult) string {
	if len(results) == 0 {
		return "No results found. Check https://nvd.nist.gov/, https://www.abuseipdb.com/ or https://www.virustotal.com/ directly."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", truncate(r.Snippet, 400))
		}
	}
	return b.String()
}
