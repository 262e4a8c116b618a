// Package llm abstracts chat-completion providers behind a single
// system-plus-user prompt call with a bounded retry budget.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/huyyxy/memmachine/internal/config"
)

// ErrInvalidInput is returned for malformed caller arguments.
var ErrInvalidInput = errors.New("llm: invalid input")

// Client is the interface for LLM providers.
type Client interface {
	// GenerateResponse sends the prompts and returns the model's reply.
	// maxAttempts must be at least 1; transient provider failures are
	// retried up to that budget.
	GenerateResponse(ctx context.Context, systemPrompt, userPrompt string, maxAttempts int) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// New creates an LLM client based on the config provider setting.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBase, model), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

func validateAttempts(maxAttempts int) error {
	if maxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidInput, maxAttempts)
	}
	return nil
}
