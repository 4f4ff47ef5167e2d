package llm

import (
	"context"
	"fmt"
)

// Completer turns a prompt into generated text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Provider    string  `env:"LLM_PROVIDER" envDefault:"gemini"`
	APIKey      string  `env:"LLM_API_KEY"`
	Model       string  `env:"LLM_MODEL"`
	Temperature float64 `env:"LLM_TEMPERATURE" envDefault:"0.2"`
}

func New(ctx context.Context, cfg Config) (Completer, error) {
	switch cfg.Provider {
	case ProviderGemini:
		model := cfg.Model
		if model == "" {
			model = "gemini-2.0-flash"
		}
		return NewGeminiCompleter(ctx, cfg.APIKey, model, cfg.Temperature)
	case ProviderOpenAI:
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAICompleter(cfg.APIKey, model, cfg.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}
