// Package embedder maps text to fixed-dimension dense vectors.
package embedder

import (
	"context"

	"github.com/knoguchi/ragpipe/internal/apperr"
	"github.com/knoguchi/ragpipe/internal/config"
)

// Embedder defines the interface for text embedding services. Implementations
// are read-only after construction and safe for concurrent use.
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs.
	// Returns a slice of embeddings in the same order as the input texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// KnownModels maps embedding model names to their vector dimensions. The
// embedding_dimension option overrides this table for models not listed.
var KnownModels = map[string]int{
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"all-minilm":             384,
	"snowflake-arctic-embed": 1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// ModelDimension returns the vector dimension for a model, or fallback when
// the model is unknown.
func ModelDimension(model string, fallback int) int {
	if dim, ok := KnownModels[model]; ok {
		return dim
	}
	return fallback
}

// New selects the embedding backend from the snapshot. The embedding_cpu
// option is accepted for compatibility but has no effect: both backends are
// remote services.
func New(snap *config.Snapshot) (Embedder, error) {
	model := snap.Get(config.KeyEmbeddingModel)
	dim := snap.Int(config.KeyEmbeddingDimension, 0)

	switch snap.GetOr(config.KeyEmbeddingProvider, "ollama") {
	case "openai":
		apiKey := snap.Get(config.KeyOpenAIAPIKey)
		if apiKey == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "%s not configured for openai embeddings", config.KeyOpenAIAPIKey)
		}
		if model == "" {
			model = DefaultOpenAIModel
		}
		if dim <= 0 {
			dim = ModelDimension(model, DefaultOpenAIDimension)
		}
		return NewOpenAIEmbedder(apiKey, model, dim), nil

	case "ollama":
		if dim <= 0 {
			dim = ModelDimension(model, DefaultOllamaDimension)
		}
		return NewOllamaEmbedder(
			snap.Get(config.KeyOllamaBaseURL),
			model,
			dim,
			snap.Int(config.KeyEmbeddingBatchSize, DefaultBatchSize),
		), nil
	}
	return nil, apperr.New(apperr.ConfigInvalid, "unknown embedding provider %q", snap.Get(config.KeyEmbeddingProvider))
}
