package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/schema"
)

// Collections probed when the connected role lacks listCollections.
var commonCollectionNames = []string{
	"users", "orders", "products", "customers", "items",
	"events", "sessions", "transactions", "inventory", "logs",
}

const sampleSize = 5

// MongoAdapter is the document adapter variant.
type MongoAdapter struct {
	client   *mongo.Client
	database string
	llm      *llm.Client
	searcher *schema.Searcher
	logger   *slog.Logger
}

// NewMongoAdapter connects to the deployment named by the URI. The
// database is taken from the URI path.
func NewMongoAdapter(uri string, llmClient *llm.Client, searcher *schema.Searcher) (*MongoAdapter, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, "invalid MongoDB connection URI", err)
	}
	database := strings.TrimPrefix(parsed.Path, "/")
	if database == "" {
		return nil, faults.New(faults.ConfigInvalid, "MongoDB URI must name a database").
			WithRemediation("append /<database> to the mongodb URI")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetTimeout(30 * time.Second))
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "failed to connect to MongoDB", err)
	}

	a := &MongoAdapter{
		client:   client,
		database: database,
		llm:      llmClient,
		searcher: searcher,
		logger:   logger.GetLogger("adapter.mongodb"),
	}
	if searcher != nil {
		searcher.RegisterSource("mongodb", a.IntrospectSchema)
	}
	return a, nil
}

func (a *MongoAdapter) DBType() string { return "mongodb" }

type mongoTranslation struct {
	Collection string           `json:"collection"`
	Pipeline   []map[string]any `json:"pipeline"`
}

func (a *MongoAdapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	schemaContext := opts.SchemaChunks
	if schemaContext == "" && a.searcher != nil {
		docs, err := a.searcher.Search(ctx, question, 5, "mongodb")
		if err != nil {
			a.logger.Warn("schema retrieval failed, translating without context", "error", err)
		} else {
			schemaContext = schema.FormatChunks(docs)
		}
	}

	raw, err := a.llm.GenerateMongoQuery(ctx, question, schemaContext, opts.Collection)
	if err != nil {
		return nil, err
	}

	var parsed mongoTranslation
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.LLMParseError, "pipeline JSON has unexpected shape", err).WithRaw(string(raw))
	}
	if parsed.Collection == "" {
		parsed.Collection = opts.Collection
	}
	if parsed.Collection == "" {
		return nil, faults.New(faults.LLMParseError, "model did not name a collection").WithRaw(string(raw))
	}
	return &Query{Kind: KindMongoPipeline, Mongo: &MongoQuery{
		Collection: parsed.Collection,
		Pipeline:   parsed.Pipeline,
	}}, nil
}

func (a *MongoAdapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindMongoPipeline || query.Mongo == nil {
		return nil, faults.New(faults.QueryInvalid, "mongo adapter requires a pipeline query")
	}

	coll := a.client.Database(a.database).Collection(query.Mongo.Collection)
	cursor, err := coll.Aggregate(ctx, query.Mongo.Pipeline)
	if err != nil {
		return nil, classifyMongoError(err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, classifyMongoError(err)
	}

	results := make([]Row, 0, len(raw))
	for _, doc := range raw {
		results = append(results, normalizeBSON(doc).(Row))
	}
	return results, nil
}

// normalizeBSON rewrites driver types (ObjectID, DateTime, Binary) into
// strings so every row serializes cleanly downstream.
func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, elem := range val {
			out[elem.Key] = normalizeBSON(elem.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeBSON(item)
		}
		return out
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case bson.Binary:
		return fmt.Sprintf("binary(%d bytes)", len(val.Data))
	case bson.Decimal128:
		return val.String()
	default:
		return v
	}
}

func classifyMongoError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "auth error"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "not authorized"):
		return faults.Wrap(faults.AuthExpired, "MongoDB rejected credentials", err).
			WithRemediation("check the mongodb user, password and auth_source")
	case strings.Contains(msg, "server selection error"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no reachable servers"):
		return faults.Wrap(faults.BackendUnreachable, "MongoDB is unreachable", err).
			WithRemediation("verify host, port and network access")
	default:
		return faults.Wrap(faults.QueryInvalid, "MongoDB rejected the pipeline", err)
	}
}

// IntrospectSchema samples documents per collection to infer field
// types. When the role cannot list collections, a fixed set of common
// names is probed instead.
func (a *MongoAdapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	db := a.client.Database(a.database)

	names, err := db.ListCollectionNames(ctx, bson.D{})
	probed := false
	if err != nil {
		a.logger.Warn("listCollections denied, probing common names", "error", err)
		probed = true
		names = nil
		for _, name := range commonCollectionNames {
			count, countErr := db.Collection(name).EstimatedDocumentCount(ctx)
			if countErr == nil && count > 0 {
				names = append(names, name)
			}
		}
		if len(names) == 0 {
			return nil, classifyMongoError(err)
		}
	}
	sort.Strings(names)

	var docs []schema.SchemaDocument
	var failed []string
	for _, name := range names {
		doc, err := a.describeCollection(ctx, name)
		if err != nil {
			a.logger.Warn("collection introspection failed", "collection", name, "error", err)
			failed = append(failed, name)
			continue
		}
		docs = append(docs, doc)
	}

	if len(failed) > 0 || probed {
		return docs, faults.New(faults.PartialIntrospection,
			fmt.Sprintf("introspected %d of %d collections", len(docs), len(names)))
	}
	return docs, nil
}

func (a *MongoAdapter) describeCollection(ctx context.Context, name string) (schema.SchemaDocument, error) {
	coll := a.client.Database(a.database).Collection(name)

	count, err := coll.EstimatedDocumentCount(ctx)
	if err != nil {
		return schema.SchemaDocument{}, err
	}

	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(sampleSize))
	if err != nil {
		return schema.SchemaDocument{}, err
	}
	defer cursor.Close(ctx)

	var samples []bson.M
	if err := cursor.All(ctx, &samples); err != nil {
		return schema.SchemaDocument{}, err
	}

	// Merge field observations across samples.
	fields := make(map[string]string)
	examples := make(map[string]string)
	for _, sample := range samples {
		for key, value := range sample {
			normalized := normalizeBSON(value)
			if _, seen := fields[key]; !seen {
				fields[key] = fmt.Sprintf("%T", normalized)
				examples[key] = truncateExample(fmt.Sprintf("%v", normalized))
			}
		}
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Collection %s (~%d documents)\nFields:\n", name, count)
	for _, key := range keys {
		fmt.Fprintf(&b, "  %s: %s (e.g. %s)\n", key, fields[key], examples[key])
	}

	return schema.SchemaDocument{
		ID:      "collection:" + name,
		Content: b.String(),
		DBType:  "mongodb",
	}, nil
}

func truncateExample(s string) string {
	const maxLen = 60
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

func (a *MongoAdapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.client.Ping(ctx, readpref.Primary()) == nil
}

func (a *MongoAdapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.client.Disconnect(ctx)
}

var _ Adapter = (*MongoAdapter)(nil)
