package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Ollama uses Ollama's embedding API. The model is symmetric, so ingestion
// and search share one encoding.
type Ollama struct {
	url    string
	model  string
	client *http.Client

	mu   sync.Mutex // guards dims; embeds run concurrently per user
	dims int
}

// NewOllama creates an embedder using Ollama's API.
func NewOllama(url, model string, dims int) *Ollama {
	return &Ollama{
		url:    url,
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *Ollama) ModelID() string          { return "ollama:" + o.model }
func (o *Ollama) SimilarityMetric() string { return "cosine" }

func (o *Ollama) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dims
}

func (o *Ollama) setDims(n int) {
	o.mu.Lock()
	o.dims = n
	o.mu.Unlock()
}

func (o *Ollama) IngestEmbed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error) {
	return o.embed(ctx, texts, maxAttempts)
}

func (o *Ollama) SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float64, error) {
	return o.embed(ctx, queries, maxAttempts)
}

func (o *Ollama) embed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error) {
	if err := validateAttempts(maxAttempts); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		vecs, err := o.embedOnce(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("ollama embed after %d attempts: %w", maxAttempts, lastErr)
}

func (o *Ollama) embedOnce(ctx context.Context, texts []string) ([][]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": o.model,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.url+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embed status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs",
			len(result.Embeddings), len(texts))
	}

	if len(result.Embeddings) > 0 {
		o.setDims(len(result.Embeddings[0]))
	}
	return result.Embeddings, nil
}
