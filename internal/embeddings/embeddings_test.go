package embeddings_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/embeddings"
)

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedderDeterministic(t *testing.T) {
	h := embeddings.NewHashEmbedder(128)
	vecs, err := h.Embed(context.Background(), []string{
		"show me failed logins today",
		"Show me failed logins today!",
		"what is our password rotation policy",
	})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs[0]) != 128 {
		t.Fatalf("len(vec) = %d, want 128", len(vecs[0]))
	}
	if got := cosine(vecs[0], vecs[1]); got < 0.999 {
		t.Errorf("cosine(same text) = %v, want ~1", got)
	}
	if got := cosine(vecs[0], vecs[2]); got > 0.5 {
		t.Errorf("cosine(unrelated) = %v, want < 0.5", got)
	}
}

type countingEmbedder struct {
	*embeddings.HashEmbedder
	calls int
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	c.calls++
	c.texts += len(texts)
	return c.HashEmbedder.Embed(ctx, texts)
}

func TestCachedEmbedderSkipsCachedTexts(t *testing.T) {
	inner := &countingEmbedder{HashEmbedder: embeddings.NewHashEmbedder(32)}
	c := embeddings.NewCachedEmbedder(inner, time.Minute)
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"vpn policy", "cve lookup"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	second, err := c.Embed(ctx, []string{"VPN  policy", "new question"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if inner.texts != 3 {
		t.Errorf("backend embedded %d texts, want 3", inner.texts)
	}
	if cosine(first[0], second[0]) < 0.999 {
		t.Error("normalized duplicate did not come from cache")
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}

	if _, err := c.Embed(ctx, []string{"cve lookup"}); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("backend calls = %d, want 2 (fully cached batch skips backend)", inner.calls)
	}
}

func TestOllamaDriverEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s, want /api/embed", r.URL.Path)
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float64, len(req.Input))
		for i := range out {
			out[i] = []float64{float64(i), 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	d := embeddings.NewOllamaDriver(srv.URL, "all-minilm")
	if d.Dimensions() != 384 {
		t.Errorf("Dimensions() = %d, want 384", d.Dimensions())
	}
	vecs, err := d.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 1 {
		t.Errorf("Embed() = %v, want two ordered vectors", vecs)
	}
}

func TestOllamaDriverSplitsBatchesAndRetries(t *testing.T) {
	var calls, failures int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			failures++
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Input) > 2 {
			t.Errorf("request carried %d inputs, want at most 2", len(req.Input))
		}
		out := make([][]float64, len(req.Input))
		for i, in := range req.Input {
			out[i] = []float64{float64(len(in)), 0}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	defer srv.Close()

	d := embeddings.NewOllamaDriver(srv.URL, "nomic-embed-text:latest",
		embeddings.WithOllamaBatchSize(2),
		embeddings.WithOllamaRetries(2, time.Millisecond),
	)
	if d.Dimensions() != 768 {
		t.Errorf("Dimensions() = %d, want 768", d.Dimensions())
	}
	vecs, err := d.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vecs) != 5 {
		t.Fatalf("Embed() returned %d vectors, want 5", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float64(i+1) {
			t.Errorf("vector %d = %v, want length marker %d", i, v, i+1)
		}
	}
	if failures != 1 || calls != 4 {
		t.Errorf("calls = %d (failures %d), want 4 with 1 retried failure", calls, failures)
	}
}

func TestOllamaDriverHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "all-minilm:latest"}}})
	}))
	defer srv.Close()

	if err := embeddings.NewOllamaDriver(srv.URL, "").HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck(all-minilm) error = %v", err)
	}
	if err := embeddings.NewOllamaDriver(srv.URL, "mxbai-embed-large").HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck(mxbai-embed-large) error = nil, want model not pulled")
	}
}

func TestOllamaDriverErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	if err := embeddings.NewOllamaDriver(srv.URL, "missing").HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil, want status error")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	tests := []struct {
		provider string
		kind     string
		wantErr  bool
	}{
		{"", "hash", false},
		{"hash", "hash", false},
		{"openai", "openai", false},
		{"ollama", "ollama", false},
		{"bedrock", "", true},
	}
	for _, tt := range tests {
		e, err := embeddings.New(config.EmbeddingConfig{Provider: tt.provider, Dimensions: 64, Model: "text-embedding-3-small"})
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.provider, err, tt.wantErr)
			continue
		}
		if err == nil && e.Kind() != tt.kind {
			t.Errorf("New(%q).Kind() = %q, want %q", tt.provider, e.Kind(), tt.kind)
		}
	}
}
