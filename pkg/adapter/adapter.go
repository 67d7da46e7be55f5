// Package adapter translates natural-language questions into
// backend-native queries and executes them. One adapter variant exists
// per backend family; the Orchestrator picks the variant from the
// connection URI and forwards the common contract.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/databridge-io/databridge/pkg/schema"
)

// Row is one result record. Every adapter normalizes its backend's
// native result shape into an ordered sequence of these.
type Row = map[string]any

// QueryKind discriminates the Query sum type.
type QueryKind string

const (
	KindSQL           QueryKind = "sql"
	KindMongoPipeline QueryKind = "mongo_pipeline"
	KindVectorSearch  QueryKind = "vector_search"
	KindShopifyAPI    QueryKind = "shopify_api"
	KindGA4Report     QueryKind = "ga4_report"
	KindSlackTool     QueryKind = "slack_tool"
)

// Query is the backend-native query sum type. Exactly one variant field
// is set, matching Kind.
type Query struct {
	Kind QueryKind `json:"kind"`

	SQL       *SQLQuery       `json:"sql,omitempty"`
	Mongo     *MongoQuery     `json:"mongo,omitempty"`
	Vector    *VectorQuery    `json:"vector,omitempty"`
	Shopify   *ShopifyQuery   `json:"shopify,omitempty"`
	GA4       *GA4Query       `json:"ga4,omitempty"`
	SlackTool *SlackToolQuery `json:"slack_tool,omitempty"`
}

// SQLQuery holds a single sanitized SELECT statement.
type SQLQuery struct {
	Text string `json:"text"`
}

// MongoQuery holds an aggregation pipeline bound to a collection.
type MongoQuery struct {
	Collection string           `json:"collection"`
	Pipeline   []map[string]any `json:"pipeline"`
}

// VectorQuery holds a similarity search request.
type VectorQuery struct {
	Vector     []float32      `json:"vector"`
	TopK       int            `json:"top_k"`
	Collection string         `json:"collection"`
	Filter     map[string]any `json:"filter,omitempty"`
}

// ShopifyQuery holds an Admin API call by bare resource name. The full
// path is reconstituted at HTTP time from the configured API version.
type ShopifyQuery struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Params   map[string]string `json:"params,omitempty"`
}

// GA4Query holds a reporting API request.
type GA4Query struct {
	Dimensions []string        `json:"dimensions"`
	Metrics    []string        `json:"metrics"`
	DateRanges []GA4DateRange  `json:"date_ranges"`
	OrderBys   []GA4OrderBy    `json:"order_bys,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Filters    json.RawMessage `json:"filters,omitempty"`
}

// GA4DateRange is a concrete absolute date range. Relative expressions
// are resolved during translation.
type GA4DateRange struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// GA4OrderBy orders report rows by a dimension or a metric.
type GA4OrderBy struct {
	Dimension string `json:"dimension,omitempty"`
	Metric    string `json:"metric,omitempty"`
	Desc      bool   `json:"desc"`
}

// SlackToolQuery is a tagged-union invocation against the Slack gateway.
type SlackToolQuery struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// TranslateOptions carries optional inputs into LLMToQuery.
type TranslateOptions struct {
	// SchemaChunks is pre-retrieved schema context. When empty the
	// adapter fetches its own via the schema searcher, if wired.
	SchemaChunks string
	// Collection pins the target collection for document backends.
	Collection string
}

// Adapter is the common backend contract.
type Adapter interface {
	// LLMToQuery translates a natural-language question into a
	// backend-native query.
	LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error)

	// Execute runs a query and returns rows in backend order.
	Execute(ctx context.Context, query *Query) ([]Row, error)

	// IntrospectSchema enumerates the backend's schema documents.
	// Partial results come back alongside a PartialIntrospection fault.
	IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error)

	// TestConnection reports reachability. Never returns an error.
	TestConnection(ctx context.Context) bool

	// DBType returns the normalized backend tag.
	DBType() string

	// Close releases backend resources.
	Close() error
}
