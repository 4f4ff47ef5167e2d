package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
)

// LangchainCompleter adapts any langchaingo model.
type LangchainCompleter struct {
	model llms.Model
	temp  float64
}

func NewLangchainCompleter(model llms.Model, temp float64) *LangchainCompleter {
	return &LangchainCompleter{model: model, temp: temp}
}

func NewGeminiCompleter(ctx context.Context, apiKey, model string, temp float64) (*LangchainCompleter, error) {
	client, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("could not create gemini client: %w", err)
	}
	return NewLangchainCompleter(client, temp), nil
}

func (c *LangchainCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(c.temp))
	if err != nil {
		return "", fmt.Errorf("text generation failed: %w", err)
	}
	return out, nil
}
