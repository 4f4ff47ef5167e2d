package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type TokenUsage struct {
	CompletionTokens int64 `json:"completion_tokens"`
	PromptTokens     int64 `json:"prompt_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type OpenAICompleter struct {
	client openai.Client
	model  string
	temp   float64

	mu    sync.Mutex
	usage TokenUsage
}

// NewOpenAICompleter falls back to OPENAI_API_KEY from the environment when
// apiKey is empty.
func NewOpenAICompleter(apiKey, model string, temp float64) *OpenAICompleter {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	return &OpenAICompleter{
		client: openai.NewClient(opts...),
		model:  model,
		temp:   temp,
	}
}

func (o *OpenAICompleter) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req := openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: openai.Float(o.temp),
	}

	res, err := o.client.Chat.Completions.New(ctx, req)
	if err != nil {
		slog.Error("openai error: chat completions failed", "error", err)
		return "", fmt.Errorf("openai generation failed: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}

	o.mu.Lock()
	o.usage.CompletionTokens += res.Usage.CompletionTokens
	o.usage.PromptTokens += res.Usage.PromptTokens
	o.usage.TotalTokens += res.Usage.TotalTokens
	total := o.usage.TotalTokens
	o.mu.Unlock()

	slog.Info("openai completion", "model", o.model, "total_tokens", total)

	return res.Choices[0].Message.Content, nil
}

func (o *OpenAICompleter) Usage() TokenUsage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.usage
}
