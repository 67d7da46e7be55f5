package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/vector"
)

// Source supplies the schema documents for one backend. Adapters
// implement this with their introspection.
type Source func(ctx context.Context) ([]SchemaDocument, error)

// Searcher indexes schema documents per backend type and retrieves the
// closest fragments for a natural-language query. Indexes are built
// lazily on first search and are append-only within a session; a
// mutating update requires Rebuild.
type Searcher struct {
	store    vector.Store
	embedder embedder.Embedder
	logger   *slog.Logger

	mu      sync.Mutex
	sources map[string]Source
	// built records the stored vector dimension per indexed backend.
	built map[string]int
}

// NewSearcher creates a Searcher over the given store and embedder.
func NewSearcher(store vector.Store, emb embedder.Embedder) *Searcher {
	return &Searcher{
		store:    store,
		embedder: emb,
		logger:   logger.GetLogger("schema"),
		sources:  make(map[string]Source),
		built:    make(map[string]int),
	}
}

// RegisterSource binds a document source to a backend type. Registering
// the same type again replaces the source but keeps any built index.
func (s *Searcher) RegisterSource(dbType string, source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[dbType] = source
}

func collectionName(dbType string) string {
	return "schema_" + dbType
}

// BuildIndex (re)builds the index for one backend type: introspect,
// embed, and upsert every document. Safe to call repeatedly; each call
// produces the same index for the same source output.
func (s *Searcher) BuildIndex(ctx context.Context, dbType string) error {
	s.mu.Lock()
	source, ok := s.sources[dbType]
	s.mu.Unlock()
	if !ok {
		return faults.New(faults.SchemaIndexUnavailable,
			fmt.Sprintf("no schema source registered for %s", dbType))
	}

	docs, err := source(ctx)
	if err != nil {
		// Partial introspection still yields usable documents.
		if !faults.IsKind(err, faults.PartialIntrospection) {
			return faults.Wrap(faults.SchemaIndexUnavailable,
				fmt.Sprintf("failed to introspect %s schema", dbType), err)
		}
		s.logger.Warn("indexing partial schema", "db_type", dbType, "error", err)
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return faults.Wrap(faults.SchemaIndexUnavailable,
			fmt.Sprintf("failed to embed %d schema documents", len(docs)), err)
	}

	dimension := s.embedder.Dimension()
	name := collectionName(dbType)

	// Rebuild from scratch so removed tables disappear from the index.
	if err := s.store.DropCollection(ctx, name); err != nil {
		s.logger.Debug("drop before rebuild skipped", "collection", name, "error", err)
	}
	if err := s.store.EnsureCollection(ctx, name, dimension); err != nil {
		return faults.Wrap(faults.SchemaIndexUnavailable, "failed to create schema collection", err)
	}

	points := make([]vector.Point, 0, len(docs))
	for i, doc := range docs {
		points = append(points, vector.Point{
			ID:     vector.StrID(doc.ID),
			Vector: vectors[i],
			Payload: map[string]any{
				"content": doc.Content,
				"db_type": doc.DBType,
			},
		})
	}
	if len(points) > 0 {
		if err := s.store.Upsert(ctx, name, points); err != nil {
			return faults.Wrap(faults.SchemaIndexUnavailable, "failed to store schema documents", err)
		}
	}

	s.mu.Lock()
	s.built[dbType] = dimension
	s.mu.Unlock()

	s.logger.Info("schema index built", "db_type", dbType, "documents", len(docs))
	return nil
}

// Rebuild drops and rebuilds the index for a backend type.
func (s *Searcher) Rebuild(ctx context.Context, dbType string) error {
	return s.BuildIndex(ctx, dbType)
}

// ensureBuilt builds the index on first use.
func (s *Searcher) ensureBuilt(ctx context.Context, dbType string) (int, error) {
	s.mu.Lock()
	dimension, ok := s.built[dbType]
	s.mu.Unlock()
	if ok {
		return dimension, nil
	}
	if err := s.BuildIndex(ctx, dbType); err != nil {
		return 0, err
	}
	s.mu.Lock()
	dimension = s.built[dbType]
	s.mu.Unlock()
	return dimension, nil
}

// Search returns up to topK schema documents closest to the query.
// When dbType is empty every registered backend is searched and the
// merged results are cut to topK. Ties are broken by id so results are
// stable across runs.
func (s *Searcher) Search(ctx context.Context, query string, topK int, dbType string) ([]ScoredDocument, error) {
	if topK <= 0 {
		return []ScoredDocument{}, nil
	}

	var dbTypes []string
	if dbType != "" {
		dbTypes = []string{dbType}
	} else {
		s.mu.Lock()
		for name := range s.sources {
			dbTypes = append(dbTypes, name)
		}
		s.mu.Unlock()
		sort.Strings(dbTypes)
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, faults.Wrap(faults.SchemaIndexUnavailable, "failed to embed query", err)
	}

	var merged []ScoredDocument
	for _, name := range dbTypes {
		dimension, err := s.ensureBuilt(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(queryVector) != dimension {
			return nil, faults.New(faults.EmbeddingDimensionMismatch,
				fmt.Sprintf("query dimension %d does not match index dimension %d for %s",
					len(queryVector), dimension, name))
		}

		hits, err := s.store.Search(ctx, collectionName(name), queryVector, topK, nil)
		if err != nil {
			return nil, faults.Wrap(faults.SchemaIndexUnavailable, "schema search failed", err)
		}
		for _, hit := range hits {
			merged = append(merged, ScoredDocument{
				SchemaDocument: SchemaDocument{
					ID:      hit.ID,
					Content: payloadString(hit.Payload, "content"),
					DBType:  payloadString(hit.Payload, "db_type"),
				},
				Score: hit.Score,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}
