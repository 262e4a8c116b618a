package embedder

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI uses the OpenAI embeddings API, or any compatible endpoint via a
// custom base URL.
type OpenAI struct {
	client *openai.Client
	model  string

	mu   sync.Mutex // guards dims; embeds run concurrently per user
	dims int
}

// NewOpenAI creates an embedder against the OpenAI API. baseURL may be empty
// for the default endpoint; dims of 0 keeps the model's native width.
func NewOpenAI(apiKey, baseURL, model string, dims int) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   dims,
	}
}

func (o *OpenAI) ModelID() string          { return "openai:" + o.model }
func (o *OpenAI) SimilarityMetric() string { return "cosine" }

func (o *OpenAI) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *OpenAI) IngestEmbed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error) {
	return o.embed(ctx, texts, maxAttempts)
}

func (o *OpenAI) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float64, error) {
	return o.embed(ctx, queries, maxAttempts)
}

func (o *OpenAI) embed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error) {
	if err := validateAttempts(maxAttempts); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	}
	if d := o.Dimensions(); d > 0 {
		req.Dimensions = d
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := o.client.CreateEmbeddings(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if len(resp.Data) != len(texts) {
			return nil, fmt.Errorf("openai returned %d embeddings for %d inputs",
				len(resp.Data), len(texts))
		}

		vecs := make([][]float64, len(resp.Data))
		for i, d := range resp.Data {
			vec := make([]float64, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float64(v)
			}
			vecs[i] = vec
		}
		if len(vecs) > 0 {
			o.mu.Lock()
			o.dims = len(vecs[0])
			o.mu.Unlock()
		}
		return vecs, nil
	}
	return nil, fmt.Errorf("openai embed after %d attempts: %w", maxAttempts, lastErr)
}
