// Package retriever defines the chunk store contract and the hybrid
// retrieval model: dense vector similarity and lexical full-text rank,
// fused into a single ordering.
package retriever

import "context"

// Chunk is the atomic retrievable unit. The ID is the lowercase hex md5 of
// the chunk text, so two chunks with identical text collapse to one row.
// Chunks are created by ingestion, never mutated, and deleted only by
// source-path batch delete.
type Chunk struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata"`
}

// Document is a retrieval hit. Metadata carries at least source and dataset,
// plus "distance" (opaque to callers; smaller is closer). Score holds the
// fused retrieval score after GetRelevant and the rerank score after
// reranking. Provenance is attached only when attribution ran.
type Document struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	Score      float64        `json:"score"`
	Provenance *float64       `json:"provenance,omitempty"`
}

// Distance returns the stored retrieval distance, or 0 when absent.
func (d Document) Distance() float64 {
	if d.Metadata == nil {
		return 0
	}
	if v, ok := d.Metadata["distance"].(float64); ok {
		return v
	}
	return 0
}

// Retriever persists chunks and answers hybrid top-k queries scoped to a set
// of datasets. Storage errors are fatal to the current request.
type Retriever interface {
	// Setup idempotently provisions storage for vectors of the given
	// dimension, the lexical index over chunk text, and the metadata
	// index.
	Setup(ctx context.Context, dim int) error

	// HasData reports whether any chunk exists.
	HasData(ctx context.Context) (bool, error)

	// Add upserts chunks by id; identical ids are no-ops. The call is
	// atomic: all chunks land or none do.
	Add(ctx context.Context, chunks []Chunk) error

	// GetRelevant returns up to k documents ranked by the fused dense +
	// lexical score, filtered to the given datasets (empty means all).
	// An empty result is not an error.
	GetRelevant(ctx context.Context, query string, queryVec []float32, datasets []string, k int) ([]Document, error)

	// GetAllDocumentNames returns the distinct source paths across all
	// chunks.
	GetAllDocumentNames(ctx context.Context) ([]string, error)

	// GetDatasets returns the distinct dataset values.
	GetDatasets(ctx context.Context) ([]string, error)

	// Delete removes all chunks whose source path is in the argument and
	// returns the number of rows removed.
	Delete(ctx context.Context, sourcePaths []string) (int, error)
}
