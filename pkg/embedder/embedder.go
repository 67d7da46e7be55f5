// Package embedder computes dense text embeddings for the schema searcher
// and the Slack indexer.
package embedder

import "context"

// Embedder converts text into dense vectors. Implementations must return
// vectors of a fixed dimensionality reported by Dimension.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts preserving input order. Implementations
	// chunk the input into provider-sized batches internally.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimension() int

	ModelName() string
}
