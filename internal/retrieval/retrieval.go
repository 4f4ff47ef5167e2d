package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tmc/langchaingo/embeddings"
)

// Retriever returns the passages most relevant to a query.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]string, error)
}

type Config struct {
	IndexHost      string `env:"PINECONE_INDEX_HOST"`
	APIKey         string `env:"PINECONE_API_KEY"`
	Namespace      string `env:"PINECONE_NAMESPACE" envDefault:""`
	TopK           int    `env:"RETRIEVAL_TOP_K" envDefault:"5"`
	EmbeddingModel string `env:"EMBEDDING_MODEL"`
}

// PineconeRetriever embeds the query and runs a nearest neighbour query
// against a Pinecone index over its REST data plane.
type PineconeRetriever struct {
	client    *resty.Client
	embedder  embeddings.Embedder
	namespace string
}

func NewPineconeRetriever(cfg Config, embedder embeddings.Embedder) *PineconeRetriever {
	client := resty.New().
		SetBaseURL(cfg.IndexHost).
		SetTimeout(30*time.Second).
		SetHeader("Api-Key", cfg.APIKey).
		SetHeader("X-Pinecone-API-Version", "2024-07")

	return &PineconeRetriever{client: client, embedder: embedder, namespace: cfg.Namespace}
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	Namespace       string    `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []struct {
		Id       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

func (r *PineconeRetriever) Search(ctx context.Context, query string, topK int) ([]string, error) {
	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error embedding query: %w", err)
	}

	var result queryResponse
	res, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(queryRequest{Vector: vector, TopK: topK, IncludeMetadata: true, Namespace: r.namespace}).
		SetResult(&result).
		Post("/query")
	if err != nil {
		return nil, fmt.Errorf("error querying index: %w", err)
	}

	if !res.IsSuccess() {
		slog.Error("vector index returned error", "status_code", res.StatusCode(), "body", res.String())
		return nil, fmt.Errorf("vector index returned status %d", res.StatusCode())
	}

	passages := make([]string, 0, len(result.Matches))
	for _, match := range result.Matches {
		if text, ok := match.Metadata["text"].(string); ok && text != "" {
			passages = append(passages, text)
		}
	}

	return passages, nil
}
