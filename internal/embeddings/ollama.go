package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ollamaDims maps known embedding models to their vector size.
var ollamaDims = map[string]int{
	"all-minilm":        384,
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
}

// OllamaDriver embeds text with a local Ollama server. Inputs larger than
// the batch size are split across several /api/embed calls; 5xx replies
// and transport errors are retried with exponential backoff.
type OllamaDriver struct {
	endpoint      string
	model         string
	dimensions    int
	batchSize     int
	retries       uint64
	retryInterval time.Duration
	client        *http.Client
}

// OllamaOption configures the Ollama driver.
type OllamaOption func(*OllamaDriver)

// WithOllamaBatchSize sets the max texts per /api/embed request.
func WithOllamaBatchSize(size int) OllamaOption {
	return func(d *OllamaDriver) { d.batchSize = size }
}

// WithOllamaRetries sets the retry count and the first retry delay.
func WithOllamaRetries(n int, interval time.Duration) OllamaOption {
	return func(d *OllamaDriver) { d.retries, d.retryInterval = uint64(max(n, 0)), interval }
}

// NewOllamaDriver creates an Ollama embedding driver. An empty model means
// all-minilm; unknown models are assumed to produce 768 dimensions.
func NewOllamaDriver(endpoint, model string, opts ...OllamaOption) *OllamaDriver {
	if model == "" {
		model = "all-minilm"
	}
	dims, ok := ollamaDims[strings.SplitN(model, ":", 2)[0]]
	if !ok {
		dims = 768
	}
	d := &OllamaDriver{
		endpoint:      strings.TrimRight(orDefault(endpoint, "http://localhost:11434"), "/"),
		model:         model,
		dimensions:    dims,
		batchSize:     128,
		retries:       2,
		retryInterval: 250 * time.Millisecond,
		client:        &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.batchSize <= 0 {
		d.batchSize = 128
	}
	return d
}

func (d *OllamaDriver) Kind() string    { return "ollama" }
func (d *OllamaDriver) Dimensions() int { return d.dimensions }

// Embed returns one vector per text, in input order.
func (d *OllamaDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += d.batchSize {
		batch := texts[start:min(start+d.batchSize, len(texts))]
		vecs, err := d.embedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("ollama embed %d-%d: %w", start, start+len(batch), err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (d *OllamaDriver) embedBatch(ctx context.Context, batch []string) ([][]float64, error) {
	body, err := json.Marshal(map[string]any{"model": d.model, "input": batch, "truncate": true})
	if err != nil {
		return nil, err
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, d.retries), ctx)

	err = backoff.Retry(func() error {
		return d.call(ctx, http.MethodPost, "/api/embed", body, &result)
	}, policy)
	if err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(batch) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(result.Embeddings), len(batch))
	}
	return result.Embeddings, nil
}

// call performs one request and decodes a 200 reply into v. Client errors
// are permanent for the retry loop.
func (d *OllamaDriver) call(ctx context.Context, method, path string, body []byte, v any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.endpoint+path, rd)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// HealthCheck verifies the server is reachable and has the model pulled.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := d.call(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return fmt.Errorf("ollama health: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == d.model || strings.TrimSuffix(m.Name, ":latest") == d.model {
			return nil
		}
	}
	return fmt.Errorf("ollama health: model %q not pulled", d.model)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
