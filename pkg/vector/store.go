// Package vector abstracts the vector store used by the Slack message
// index and the schema searcher.
//
// Two implementations exist: a Qdrant-backed store for production and an
// embedded chromem-go store for schema indexes and tests.
package vector

import "context"

// PointID identifies a point. Numeric ids are used for indexed messages
// (derived from message timestamps); string ids for schema documents.
type PointID struct {
	Num uint64
	Str string
}

// NumID creates a numeric point id.
func NumID(n uint64) PointID { return PointID{Num: n} }

// StrID creates a string point id.
func StrID(s string) PointID { return PointID{Str: s} }

// Point is a vector plus its payload.
type Point struct {
	ID      PointID
	Vector  []float32
	Payload map[string]any
}

// Filter is a conjunction of predicates applied during search or delete.
type Filter struct {
	// Must holds field equality predicates; all must match.
	Must map[string]any
	// Any holds field in-set predicates; the field must match one entry.
	Any map[string][]string
	// TsFrom/TsTo bound the numeric "ts" payload field (inclusive).
	TsFrom *float64
	TsTo   *float64
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Any) == 0 && f.TsFrom == nil && f.TsTo == nil)
}

// Result is a search hit.
type Result struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Store is the uniform vector-store contract.
type Store interface {
	// EnsureCollection creates the collection when missing. Idempotent.
	EnsureCollection(ctx context.Context, collection string, dimension int) error

	// Upsert writes points in one batch. Re-upserting an id overwrites.
	Upsert(ctx context.Context, collection string, points []Point) error

	// Search returns the topK nearest points by cosine similarity,
	// restricted by filter when non-nil.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter *Filter) ([]Result, error)

	// DeleteWhere removes every point matching the filter.
	DeleteWhere(ctx context.Context, collection string, filter *Filter) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (uint64, error)

	// DropCollection removes the collection entirely.
	DropCollection(ctx context.Context, collection string) error

	Close() error
}

func f64ptr(v float64) *float64 { return &v }

// TsBefore builds the filter used for retention pruning: ts < cutoff.
func TsBefore(cutoff float64) *Filter {
	// Qdrant ranges are inclusive; back off by the smallest ts step the
	// indexer produces (1 microsecond).
	return &Filter{TsTo: f64ptr(cutoff - 1e-6)}
}
