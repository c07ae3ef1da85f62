package memory

import (
	"context"
	"fmt"

	"github.com/quietpage/margins/internal/types"
)

// SearchRepo performs vector similarity search over persisted memories.
type SearchRepo interface {
	SearchSimilar(ctx context.Context, voiceID string, embedding []float32, topK int, threshold float64) ([]types.RetrievedMemory, error)
}

// Retriever provides semantic search over a voice's memories.
type Retriever struct {
	embedder            Embedder
	repo                SearchRepo
	topK                int
	similarityThreshold float64
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder Embedder, repo SearchRepo, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Retriever{
		embedder:            embedder,
		repo:                repo,
		topK:                topK,
		similarityThreshold: threshold,
	}
}

// Retrieve returns the top-k memories of a voice relevant to query.
func (r *Retriever) Retrieve(ctx context.Context, voiceID, query string) ([]types.RetrievedMemory, error) {
	if query == "" {
		return nil, nil
	}
	if r.embedder == nil || r.repo == nil {
		return nil, fmt.Errorf("retriever not properly configured")
	}

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	return r.repo.SearchSimilar(ctx, voiceID, vec, r.topK, r.similarityThreshold)
}
