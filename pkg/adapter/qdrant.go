package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/schema"
	"github.com/databridge-io/databridge/pkg/vector"
)

const defaultVectorTopK = 10

// VectorAdapter is the similarity-search adapter variant. Translation
// needs no completion model: the question itself is embedded and used
// as the query vector.
type VectorAdapter struct {
	store      vector.Store
	embedder   embedder.Embedder
	collection string
	logger     *slog.Logger
}

// NewVectorAdapter creates an adapter over an open store.
func NewVectorAdapter(store vector.Store, emb embedder.Embedder, collection string) *VectorAdapter {
	if collection == "" {
		collection = "documents"
	}
	return &VectorAdapter{
		store:      store,
		embedder:   emb,
		collection: collection,
		logger:     logger.GetLogger("adapter.qdrant"),
	}
}

func (a *VectorAdapter) DBType() string { return "qdrant" }

func (a *VectorAdapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	queryVector, err := a.embedder.Embed(ctx, question)
	if err != nil {
		return nil, faults.Wrap(faults.LLMUnavailable, "failed to embed query", err)
	}

	collection := opts.Collection
	if collection == "" {
		collection = a.collection
	}
	return &Query{Kind: KindVectorSearch, Vector: &VectorQuery{
		Vector:     queryVector,
		TopK:       defaultVectorTopK,
		Collection: collection,
	}}, nil
}

func (a *VectorAdapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindVectorSearch || query.Vector == nil {
		return nil, faults.New(faults.QueryInvalid, "vector adapter requires a vector search query")
	}

	q := query.Vector
	topK := q.TopK
	if topK == 0 {
		topK = defaultVectorTopK
	}
	collection := q.Collection
	if collection == "" {
		collection = a.collection
	}

	filter, err := parseVectorFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	hits, err := a.store.Search(ctx, collection, q.Vector, topK, filter)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "vector search failed", err)
	}

	// Merge id, score and payload into one flat row per hit.
	results := make([]Row, 0, len(hits))
	for _, hit := range hits {
		row := make(Row, len(hit.Payload)+2)
		for key, value := range hit.Payload {
			row[key] = value
		}
		row["id"] = hit.ID
		row["score"] = hit.Score
		results = append(results, row)
	}
	return results, nil
}

// parseVectorFilter accepts the exact_match convenience form and plain
// field→value maps, both of which become equality conjunctions.
func parseVectorFilter(raw map[string]any) (*vector.Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	if em, ok := raw["exact_match"]; ok {
		spec, ok := em.(map[string]any)
		if !ok {
			return nil, faults.New(faults.QueryInvalid, "exact_match filter must be an object")
		}
		field, _ := spec["field"].(string)
		if field == "" {
			return nil, faults.New(faults.QueryInvalid, "exact_match filter requires a field name")
		}
		return &vector.Filter{Must: map[string]any{field: spec["value"]}}, nil
	}

	// Already backend-shaped: treat each top-level entry as an equality
	// predicate and pass it through.
	must := make(map[string]any, len(raw))
	for field, value := range raw {
		must[field] = value
	}
	return &vector.Filter{Must: must}, nil
}

func (a *VectorAdapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	count, err := a.store.Count(ctx, a.collection)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "failed to inspect collection", err)
	}
	content := fmt.Sprintf(
		"Vector collection %s with %d points, embedded with %s (%d dimensions). Search by semantic similarity.",
		a.collection, count, a.embedder.ModelName(), a.embedder.Dimension())
	return []schema.SchemaDocument{{
		ID:      "vector:" + a.collection,
		Content: content,
		DBType:  "qdrant",
	}}, nil
}

func (a *VectorAdapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.store.Count(ctx, a.collection)
	return err == nil
}

func (a *VectorAdapter) Close() error {
	return a.store.Close()
}

var _ Adapter = (*VectorAdapter)(nil)
