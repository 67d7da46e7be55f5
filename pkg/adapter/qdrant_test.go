package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/vector"
)

type fixedEmbedder struct {
	vec []float32
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, nil
}

func (e *fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func (e *fixedEmbedder) Dimension() int    { return len(e.vec) }
func (e *fixedEmbedder) ModelName() string { return "fixed" }

func seedVectorStore(t *testing.T, store vector.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureCollection(ctx, "documents", 3))
	require.NoError(t, store.Upsert(ctx, "documents", []vector.Point{
		{ID: vector.StrID("a"), Vector: []float32{1, 0, 0}, Payload: map[string]any{"content": "first", "lang": "en"}},
		{ID: vector.StrID("b"), Vector: []float32{0, 1, 0}, Payload: map[string]any{"content": "second", "lang": "de"}},
	}))
}

func TestVectorAdapterTranslateAndExecute(t *testing.T) {
	store := vector.NewChromemStore()
	seedVectorStore(t, store)
	a := NewVectorAdapter(store, &fixedEmbedder{vec: []float32{1, 0, 0}}, "documents")

	query, err := a.LLMToQuery(context.Background(), "find the first document", TranslateOptions{})
	require.NoError(t, err)
	require.Equal(t, KindVectorSearch, query.Kind)
	assert.Equal(t, defaultVectorTopK, query.Vector.TopK)

	rows, err := a.Execute(context.Background(), query)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "a", rows[0]["id"])
	assert.Equal(t, "first", rows[0]["content"])
	assert.NotNil(t, rows[0]["score"])
}

func TestVectorAdapterExactMatchFilter(t *testing.T) {
	store := vector.NewChromemStore()
	seedVectorStore(t, store)
	a := NewVectorAdapter(store, &fixedEmbedder{vec: []float32{1, 0, 0}}, "documents")

	rows, err := a.Execute(context.Background(), &Query{Kind: KindVectorSearch, Vector: &VectorQuery{
		Vector:     []float32{1, 0, 0},
		TopK:       10,
		Collection: "documents",
		Filter: map[string]any{
			"exact_match": map[string]any{"field": "lang", "value": "de"},
		},
	}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["id"])
}

func TestParseVectorFilter(t *testing.T) {
	f, err := parseVectorFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	f, err = parseVectorFilter(map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, "en", f.Must["lang"])

	_, err = parseVectorFilter(map[string]any{"exact_match": "broken"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))

	_, err = parseVectorFilter(map[string]any{"exact_match": map[string]any{"value": "x"}})
	require.Error(t, err)
}
