package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.5, 0.5}, nil
}

func TestPineconeSearch(t *testing.T) {
	var received queryRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches": [
			{"id": "a", "score": 0.9, "metadata": {"text": "Glioblastoma is a grade IV glioma."}},
			{"id": "b", "score": 0.8, "metadata": {"source": "no text"}},
			{"id": "c", "score": 0.7, "metadata": {"text": "Edema surrounds the lesion."}}
		]}`))
	}))
	defer server.Close()

	r := NewPineconeRetriever(Config{IndexHost: server.URL, APIKey: "secret"}, fixedEmbedder{})

	passages, err := r.Search(context.Background(), "what is glioblastoma", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Glioblastoma is a grade IV glioma.", "Edema surrounds the lesion."}, passages)
	assert.Equal(t, 5, received.TopK)
	assert.True(t, received.IncludeMetadata)
	assert.Equal(t, []float32{0.5, 0.5}, received.Vector)
}

func TestPineconeSearchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	r := NewPineconeRetriever(Config{IndexHost: server.URL}, fixedEmbedder{})
	_, err := r.Search(context.Background(), "query", 5)
	assert.ErrorContains(t, err, "401")
}
