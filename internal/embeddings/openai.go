package embeddings

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIDriver embeds text through any OpenAI-compatible embeddings API.
type OpenAIDriver struct {
	client     openai.Client
	model      string
	dimensions int
	batchSize  int
	shortened  bool
	reqOpts    []option.RequestOption
}

// OpenAIOption configures the OpenAI driver.
type OpenAIOption func(*OpenAIDriver)

// WithOpenAIBaseURL points the driver at a proxy or compatible server.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(d *OpenAIDriver) { d.reqOpts = append(d.reqOpts, option.WithBaseURL(url)) }
}

// WithOpenAIBatchSize sets the max texts per embeddings request.
func WithOpenAIBatchSize(size int) OpenAIOption {
	return func(d *OpenAIDriver) { d.batchSize = size }
}

// WithOpenAIDimensions asks text-embedding-3 models for shortened vectors.
func WithOpenAIDimensions(n int) OpenAIOption {
	return func(d *OpenAIDriver) {
		if n > 0 {
			d.dimensions, d.shortened = n, true
		}
	}
}

// NewOpenAIDriver creates an OpenAI embedding driver.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	d := &OpenAIDriver{
		model:      model,
		dimensions: dims,
		batchSize:  2048,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.batchSize <= 0 {
		d.batchSize = 2048
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}, d.reqOpts...)
	d.client = openai.NewClient(reqOpts...)
	return d
}

func (d *OpenAIDriver) Kind() string    { return "openai" }
func (d *OpenAIDriver) Dimensions() int { return d.dimensions }

// Embed returns one vector per text, splitting large inputs into several
// requests.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += d.batchSize {
		batch := texts[start:min(start+d.batchSize, len(texts))]
		params := openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(d.model),
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
		}
		if d.shortened {
			params.Dimensions = openai.Int(int64(d.dimensions))
		}
		resp, err := d.client.Embeddings.New(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}

		vectors := make([][]float64, len(batch))
		for _, item := range resp.Data {
			if int(item.Index) < len(vectors) {
				vectors[item.Index] = item.Embedding
			}
		}
		for i, v := range vectors {
			if v == nil {
				return nil, fmt.Errorf("openai embeddings: missing vector for input %d", start+i)
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// HealthCheck verifies the API key by embedding a test string.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
