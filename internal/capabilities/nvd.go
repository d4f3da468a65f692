package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

// Public endpoints used when the config leaves them at their defaults.
const (
	DefaultNVDURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
)

// CVERecord is one vulnerability as reported by the NVD.
type CVERecord struct {
	ID             string  `json:"id"`
	Description    string  `json:"description"`
	Severity       string  `json:"severity,omitempty"`
	Score          float64 `json:"score,omitempty"`
	Published      string  `json:"published,omitempty"`
	URL            string  `json:"url"`
	KnownExploited bool    `json:"known_exploited"`
}

// NVDClient queries the NVD CVE API 2.0 and, when a feed URL is set,
// flags records listed in the CISA Known Exploited Vulnerabilities
// catalog. The catalog is cached for kevTTL.
type NVDClient struct {
	baseURL string
	apiKey  string
	kevURL  string
	client  *http.Client
	kev     *cache.Cache
}

const kevTTL = 6 * time.Hour

// NewNVDClient creates a client. An empty kevURL skips the KEV check.
func NewNVDClient(baseURL, apiKey, kevURL string) *NVDClient {
	return &NVDClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		kevURL:  kevURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		kev:     cache.New(kevTTL, 2*kevTTL),
	}
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			Metrics map[string][]struct {
				BaseSeverity string `json:"baseSeverity"`
				CVSSData     struct {
					BaseScore    float64 `json:"baseScore"`
					BaseSeverity string  `json:"baseSeverity"`
				} `json:"cvssData"`
			} `json:"metrics"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Lookup fetches each CVE id. Ids the NVD does not know are skipped.
func (n *NVDClient) Lookup(ctx context.Context, ids []string) ([]CVERecord, error) {
	var out []CVERecord
	for _, id := range ids {
		recs, err := n.query(ctx, url.Values{"cveId": {strings.ToUpper(id)}})
		if err != nil {
			return nil, fmt.Errorf("nvd: %s: %w", id, err)
		}
		out = append(out, recs...)
	}
	n.markExploited(ctx, out)
	return out, nil
}

// Search runs an NVD keyword search and returns at most count records.
func (n *NVDClient) Search(ctx context.Context, keywords string, count int) ([]CVERecord, error) {
	recs, err := n.query(ctx, url.Values{
		"keywordSearch":  {keywords},
		"resultsPerPage": {strconv.Itoa(count)},
	})
	if err != nil {
		return nil, fmt.Errorf("nvd: keyword search: %w", err)
	}
	if len(recs) > count {
		recs = recs[:count]
	}
	n.markExploited(ctx, recs)
	return recs, nil
}

func (n *NVDClient) query(ctx context.Context, params url.Values) ([]CVERecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if n.apiKey != "" {
		req.Header.Set("apiKey", n.apiKey)
	}

	var body nvdResponse
	if err := n.getJSON(req, &body); err != nil {
		return nil, err
	}

	out := make([]CVERecord, 0, len(body.Vulnerabilities))
	for _, v := range body.Vulnerabilities {
		c := v.CVE
		rec := CVERecord{
			ID:        c.ID,
			Published: c.Published,
			URL:       "https://nvd.nist.gov/vuln/detail/" + c.ID,
		}
		for _, d := range c.Descriptions {
			if d.Lang == "en" {
				rec.Description = d.Value
				break
			}
		}
		for _, key := range []string{"cvssMetricV40", "cvssMetricV31", "cvssMetricV30", "cvssMetricV2"} {
			if m := c.Metrics[key]; len(m) > 0 {
				rec.Score = m[0].CVSSData.BaseScore
				rec.Severity = m[0].CVSSData.BaseSeverity
				if rec.Severity == "" {
					rec.Severity = m[0].BaseSeverity
				}
				break
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// markExploited sets KnownExploited from the KEV catalog. A catalog that
// cannot be fetched leaves every record unflagged.
func (n *NVDClient) markExploited(ctx context.Context, recs []CVERecord) {
	if n.kevURL == "" || len(recs) == 0 {
		return
	}
	catalog, err := n.catalog(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("KEV catalog unavailable")
		return
	}
	for i := range recs {
		recs[i].KnownExploited = catalog[strings.ToUpper(recs[i].ID)]
	}
}

func (n *NVDClient) catalog(ctx context.Context) (map[string]bool, error) {
	if v, ok := n.kev.Get("catalog"); ok {
		return v.(map[string]bool), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.kevURL, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Vulnerabilities []struct {
			CVEID string `json:"cveID"`
		} `json:"vulnerabilities"`
	}
	if err := n.getJSON(req, &body); err != nil {
		return nil, fmt.Errorf("kev: %w", err)
	}
	catalog := make(map[string]bool, len(body.Vulnerabilities))
	for _, v := range body.Vulnerabilities {
		catalog[strings.ToUpper(v.CVEID)] = true
	}
	n.kev.SetDefault("catalog", catalog)
	return catalog, nil
}

func (n *NVDClient) getJSON(req *http.Request, v any) error {
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var nvdStopwords = map[string]bool{
	"cve": true, "cves": true, "vulnerability": true, "vulnerabilities": true,
	"reported": true, "on": true, "in": true, "for": true, "this": true,
	"year": true, "month": true, "the": true, "a": true, "about": true,
	"any": true, "what": true, "are": true, "is": true, "latest": true,
}

// nvdKeywords strips filler words so the NVD keyword search matches on
// product and technology names.
func nvdKeywords(query string) string {
	var kept []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, "?!.,:;'\"")
		if w != "" && !nvdStopwords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
