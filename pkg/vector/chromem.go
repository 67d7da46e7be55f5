package vector

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemStore implements Store over chromem-go, an embedded pure-Go
// vector database. It backs the schema-searcher index and tests; the
// Slack message index runs on Qdrant in production.
//
// chromem metadata is string-valued and its where-filters are exact
// match only, so in-set and timestamp predicates are applied here after
// the similarity query.
type ChromemStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dimensions  map[string]int
	// payloads mirrors point payloads per collection so delete-by-filter
	// can enumerate ids; chromem itself only deletes by exact match or id.
	payloads map[string]map[string]map[string]any
}

// NewChromemStore creates an in-memory store.
func NewChromemStore() *ChromemStore {
	return &ChromemStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		dimensions:  make(map[string]int),
		payloads:    make(map[string]map[string]map[string]any),
	}
}

// preEmbedded guards against accidental text-embedding calls: every
// vector entering this store is computed by the embedder package.
func preEmbedded(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, preEmbedded)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	if _, err := s.collection(collection); err != nil {
		return err
	}
	s.mu.Lock()
	s.dimensions[collection] = dimension
	s.mu.Unlock()
	return nil
}

func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, point := range points {
		id := point.ID.Str
		if id == "" {
			id = strconv.FormatUint(point.ID.Num, 10)
		}

		metadata := make(map[string]string, len(point.Payload))
		content := ""
		for key, value := range point.Payload {
			str := fmt.Sprintf("%v", value)
			metadata[key] = str
			if key == "content" || key == "text" {
				content = str
			}
		}
		if content == "" {
			content = id
		}

		docs = append(docs, chromem.Document{
			ID:        id,
			Content:   content,
			Embedding: point.Vector,
			Metadata:  metadata,
		})
	}

	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("failed to add %d documents: %w", len(docs), err)
	}

	s.mu.Lock()
	if s.payloads[collection] == nil {
		s.payloads[collection] = make(map[string]map[string]any)
	}
	for i, doc := range docs {
		s.payloads[collection][doc.ID] = points[i].Payload
	}
	s.mu.Unlock()
	return nil
}

func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return []Result{}, nil
	}

	// Post-filtering requires over-fetching: query everything, filter,
	// then cut. Collections held in chromem are small (schema indexes).
	hits, err := col.QueryEmbedding(ctx, vector, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}

	results := make([]Result, 0, topK)
	for _, hit := range hits {
		payload := make(map[string]any, len(hit.Metadata))
		for key, value := range hit.Metadata {
			payload[key] = value
		}
		if !matchesFilter(payload, filter) {
			continue
		}
		results = append(results, Result{ID: hit.ID, Score: hit.Similarity, Payload: payload})
	}

	// Deterministic ordering: score descending, id ascending on ties.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *ChromemStore) DeleteWhere(ctx context.Context, collection string, filter *Filter) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	s.mu.Lock()
	var ids []string
	for id, payload := range s.payloads[collection] {
		if matchesFilter(payload, filter) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(s.payloads[collection], id)
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete %d documents: %w", len(ids), err)
	}
	return nil
}

func (s *ChromemStore) Count(ctx context.Context, collection string) (uint64, error) {
	col, err := s.collection(collection)
	if err != nil {
		return 0, err
	}
	return uint64(col.Count()), nil
}

func (s *ChromemStore) DropCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	delete(s.collections, collection)
	delete(s.dimensions, collection)
	return nil
}

func (s *ChromemStore) Close() error {
	return nil
}

// matchesFilter evaluates the filter conjunction against a payload whose
// values have been stringified by chromem metadata storage.
func matchesFilter(payload map[string]any, filter *Filter) bool {
	if filter.Empty() {
		return true
	}

	for key, want := range filter.Must {
		got, ok := payload[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	for key, wants := range filter.Any {
		got, ok := payload[key]
		if !ok {
			return false
		}
		gotStr := fmt.Sprintf("%v", got)
		found := false
		for _, want := range wants {
			if gotStr == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.TsFrom != nil || filter.TsTo != nil {
		raw, ok := payload["ts"]
		if !ok {
			return false
		}
		ts, err := strconv.ParseFloat(fmt.Sprintf("%v", raw), 64)
		if err != nil {
			return false
		}
		if filter.TsFrom != nil && ts < *filter.TsFrom {
			return false
		}
		if filter.TsTo != nil && ts > *filter.TsTo {
			return false
		}
	}
	return true
}

var _ Store = (*ChromemStore)(nil)
