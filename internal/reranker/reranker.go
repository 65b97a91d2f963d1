// Package reranker re-scores retrieval candidates against the query with a
// cross-encoder style LLM pass: the model sees query and documents together,
// which ranks borderline candidates far better than independent vector
// scores. Costs one extra LLM call per query; enable it where accuracy
// matters more than latency.
package reranker

import (
	"context"

	"github.com/knoguchi/ragpipe/internal/retriever"
)

// Reranker orders candidates by descending relevance to the query. The
// returned slice carries the rerank score in Document.Score. Implementations
// are pure with respect to storage and idempotent; truncation to the
// configured top-k happens at the call site.
type Reranker interface {
	Rerank(ctx context.Context, candidates []retriever.Document, query string) ([]retriever.Document, error)
}
