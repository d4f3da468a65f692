// Package embeddings turns query and document text into vectors for the
// routing corpus and the document retrieval capability.
//
// Drivers: OpenAI-compatible (openai-go), Ollama, and a deterministic
// feature-hashing embedder for offline use. CachedEmbedder memoizes query
// vectors in front of any of them.
package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentoven/triage/internal/config"
)

// Embedder produces one vector per input text.
type Embedder interface {
	Kind() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	HealthCheck(ctx context.Context) error
}

// New builds the embedder selected by cfg.Provider.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		var opts []OpenAIOption
		if cfg.Dimensions > 0 && strings.HasPrefix(cfg.Model, "text-embedding-3") {
			opts = append(opts, WithOpenAIDimensions(cfg.Dimensions))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, WithOpenAIBaseURL(cfg.BaseURL))
		}
		return NewOpenAIDriver(cfg.APIKey, cfg.Model, opts...), nil
	case "ollama":
		model := cfg.Model
		if strings.HasPrefix(model, "text-embedding-") {
			model = ""
		}
		return NewOllamaDriver(cfg.BaseURL, model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
