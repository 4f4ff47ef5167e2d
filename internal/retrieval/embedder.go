package retrieval

import (
	"context"
	"fmt"

	"medassist-backend/internal/llm"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// NewEmbedder builds a query embedder on the same provider used for text
// generation. The index must have been built with the same embedding model.
func NewEmbedder(ctx context.Context, cfg llm.Config, model string) (embeddings.Embedder, error) {
	var client embeddings.EmbedderClient

	switch cfg.Provider {
	case llm.ProviderGemini:
		opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
		if model != "" {
			opts = append(opts, googleai.WithDefaultEmbeddingModel(model))
		}
		c, err := googleai.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("could not create gemini embedding client: %w", err)
		}
		client = c

	case llm.ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if model != "" {
			opts = append(opts, openai.WithEmbeddingModel(model))
		}
		c, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("could not create openai embedding client: %w", err)
		}
		client = c

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	return embeddings.NewEmbedder(client)
}
