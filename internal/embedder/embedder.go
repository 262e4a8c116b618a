// Package embedder turns text into dense vectors for profile storage and
// semantic search.
package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/huyyxy/memmachine/internal/config"
)

// ErrInvalidInput is returned for malformed caller arguments, such as a
// non-positive attempt budget.
var ErrInvalidInput = errors.New("embedder: invalid input")

// Embedder generates vector embeddings for text. Ingestion and search may use
// different encodings for asymmetric models, so the two paths are separate.
type Embedder interface {
	// IngestEmbed embeds documents bound for storage. maxAttempts must be
	// at least 1; transient provider failures are retried up to that budget.
	IngestEmbed(ctx context.Context, texts []string, maxAttempts int) ([][]float64, error)
	// SearchEmbed embeds queries for similarity search under the same
	// attempt contract.
	SearchEmbed(ctx context.Context, queries []string, maxAttempts int) ([][]float64, error)
	// ModelID identifies the provider and model, e.g. "ollama:nomic-embed-text".
	ModelID() string
	// Dimensions reports the vector width, 0 if not yet known.
	Dimensions() int
	// SimilarityMetric names the metric the vectors are meant for.
	SimilarityMetric() string
}

// New creates an embedder from config.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai embedder requires OPENAI_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBase, model, cfg.Dimensions), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllama(url, model, cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedder provider: %q", cfg.Provider)
	}
}

func validateAttempts(maxAttempts int) error {
	if maxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidInput, maxAttempts)
	}
	return nil
}
