package schema

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/vector"
)

// stubEmbedder maps known texts to fixed vectors so similarity ordering
// is under test control.
type stubEmbedder struct {
	dimension int
	vectors   map[string][]float32
	fallback  []float32
	calls     int
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	if e.fallback != nil {
		return e.fallback, nil
	}
	return nil, fmt.Errorf("no vector for %q", text)
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int    { return e.dimension }
func (e *stubEmbedder) ModelName() string { return "stub" }

func newTestSearcher(t *testing.T, emb *stubEmbedder) *Searcher {
	t.Helper()
	return NewSearcher(vector.NewChromemStore(), emb)
}

func TestSearchReturnsClosestFirst(t *testing.T) {
	emb := &stubEmbedder{
		dimension: 3,
		vectors: map[string][]float32{
			"orders table":        {1, 0, 0},
			"customers table":     {0, 1, 0},
			"where are my orders": {0.9, 0.1, 0},
		},
	}
	s := newTestSearcher(t, emb)
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		return []SchemaDocument{
			{ID: "table:orders", Content: "orders table", DBType: "postgres"},
			{ID: "table:customers", Content: "customers table", DBType: "postgres"},
		}, nil
	})

	docs, err := s.Search(context.Background(), "where are my orders", 2, "postgres")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "table:orders", docs[0].ID)
	assert.Equal(t, "postgres", docs[0].DBType)
	assert.Greater(t, docs[0].Score, docs[1].Score)
}

func TestSearchTopKZeroReturnsEmpty(t *testing.T) {
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		t.Fatal("source should not be invoked for top_k = 0")
		return nil, nil
	})

	docs, err := s.Search(context.Background(), "anything", 0, "postgres")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSearchTieBreaksByID(t *testing.T) {
	// Identical vectors produce identical scores; ordering must fall
	// back to id lexicographic.
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)
	s.RegisterSource("mongodb", func(ctx context.Context) ([]SchemaDocument, error) {
		return []SchemaDocument{
			{ID: "collection:zebra", Content: "same", DBType: "mongodb"},
			{ID: "collection:apple", Content: "same", DBType: "mongodb"},
			{ID: "collection:mango", Content: "same", DBType: "mongodb"},
		}, nil
	})

	docs, err := s.Search(context.Background(), "same", 3, "mongodb")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "collection:apple", docs[0].ID)
	assert.Equal(t, "collection:mango", docs[1].ID)
	assert.Equal(t, "collection:zebra", docs[2].ID)
}

func TestSearchFailsWhenSourceFails(t *testing.T) {
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		return nil, fmt.Errorf("connection refused")
	})

	_, err := s.Search(context.Background(), "anything", 5, "postgres")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.SchemaIndexUnavailable))
}

func TestSearchUnregisteredBackend(t *testing.T) {
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)

	_, err := s.Search(context.Background(), "anything", 5, "qdrant")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.SchemaIndexUnavailable))
}

func TestSearchDimensionMismatch(t *testing.T) {
	emb := &stubEmbedder{
		dimension: 3,
		vectors: map[string][]float32{
			"orders": {1, 0, 0},
		},
		// Queries fall through to a vector of the wrong width.
		fallback: []float32{1, 0},
	}
	s := newTestSearcher(t, emb)
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		return []SchemaDocument{{ID: "table:orders", Content: "orders", DBType: "postgres"}}, nil
	})

	_, err := s.Search(context.Background(), "short query", 5, "postgres")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.EmbeddingDimensionMismatch))
}

func TestRebuildIsIdempotent(t *testing.T) {
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)

	docs := []SchemaDocument{
		{ID: "table:orders", Content: "orders", DBType: "postgres"},
	}
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		return docs, nil
	})

	ctx := context.Background()
	require.NoError(t, s.BuildIndex(ctx, "postgres"))
	require.NoError(t, s.Rebuild(ctx, "postgres"))

	results, err := s.Search(ctx, "orders", 10, "postgres")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRebuildDropsRemovedDocuments(t *testing.T) {
	emb := &stubEmbedder{dimension: 3, fallback: []float32{1, 0, 0}}
	s := newTestSearcher(t, emb)

	docs := []SchemaDocument{
		{ID: "table:orders", Content: "orders", DBType: "postgres"},
		{ID: "table:legacy", Content: "legacy", DBType: "postgres"},
	}
	s.RegisterSource("postgres", func(ctx context.Context) ([]SchemaDocument, error) {
		return docs, nil
	})

	ctx := context.Background()
	require.NoError(t, s.BuildIndex(ctx, "postgres"))

	docs = docs[:1]
	require.NoError(t, s.Rebuild(ctx, "postgres"))

	results, err := s.Search(ctx, "orders", 10, "postgres")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "table:orders", results[0].ID)
}

func TestFormatChunks(t *testing.T) {
	out := FormatChunks([]ScoredDocument{
		{SchemaDocument: SchemaDocument{ID: "table:orders", Content: "orders schema"}, Score: 0.9},
		{SchemaDocument: SchemaDocument{ID: "table:users", Content: "users schema"}, Score: 0.8},
	})
	assert.Contains(t, out, "[table:orders]")
	assert.Contains(t, out, "users schema")
	assert.Empty(t, FormatChunks(nil))
}
