package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/mcpgw"
	"github.com/databridge-io/databridge/pkg/schema"
	"github.com/databridge-io/databridge/pkg/vector"
)

// Options carries the shared dependencies an adapter variant may need.
// Only the fields relevant to the resolved variant are consulted.
type Options struct {
	// DBType overrides scheme detection. Required for plain http(s) URIs.
	DBType string
	// Collection pins the default collection for document and vector
	// backends.
	Collection string

	LLM      *llm.Client
	Searcher *schema.Searcher
	Embedder embedder.Embedder

	// VectorStore, when set, is used instead of dialing the URI host.
	VectorStore vector.Store

	SlackGateway *mcpgw.Client
	SlackIndex   SemanticIndex

	Shopify *config.ShopifyConfig
	GA4     *config.GA4Config
	Tokens  TokenSource
}

// Orchestrator owns one adapter instance for a call chain and forwards
// the common contract to it.
type Orchestrator struct {
	uri     string
	adapter Adapter
	logger  *slog.Logger
}

// NewOrchestrator parses the URI, resolves the adapter variant and
// instantiates it.
func NewOrchestrator(uri string, opts Options) (*Orchestrator, error) {
	dbType, err := ResolveDBType(uri, opts.DBType)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger("orchestrator")
	log.Info("connecting", "db_type", dbType, "uri", RedactURI(uri))

	var a Adapter
	switch dbType {
	case "postgres":
		a, err = NewPostgresAdapter(uri, opts.LLM, opts.Searcher)
	case "mongodb":
		a, err = NewMongoAdapter(uri, opts.LLM, opts.Searcher)
	case "qdrant":
		store := opts.VectorStore
		if store == nil {
			store, err = qdrantStoreFromURI(uri)
			if err != nil {
				return nil, err
			}
		}
		collection := opts.Collection
		if collection == "" {
			collection = collectionFromURI(uri)
		}
		a = NewVectorAdapter(store, opts.Embedder, collection)
	case "slack":
		gateway := opts.SlackGateway
		if gateway == nil {
			gateway = mcpgw.NewClient(uri)
		}
		a = NewSlackAdapter(gateway, opts.SlackIndex, opts.LLM)
	case "shopify":
		cfg := opts.Shopify
		if cfg == nil {
			cfg = &config.ShopifyConfig{AppURL: uri}
			cfg.SetDefaults()
		}
		a, err = NewShopifyAdapter(cfg, opts.Tokens, opts.LLM)
	case "ga4":
		cfg := opts.GA4
		if cfg == nil {
			cfg = &config.GA4Config{PropertyID: propertyFromURI(uri)}
			cfg.SetDefaults()
		}
		a, err = NewGA4Adapter(cfg, opts.LLM, opts.Searcher)
	default:
		return nil, faults.New(faults.ConfigInvalid, fmt.Sprintf("unsupported db_type %q", dbType))
	}
	if err != nil {
		return nil, err
	}

	return &Orchestrator{uri: uri, adapter: a, logger: log}, nil
}

// ResolveDBType maps a connection URI scheme to an adapter variant,
// honoring an explicit override. HTTP-family schemes without an
// override are ambiguous.
func ResolveDBType(uri, override string) (string, error) {
	if override != "" {
		return config.NormalizeDBType(override), nil
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return "", faults.Wrap(faults.ConfigInvalid, fmt.Sprintf("invalid connection URI %q", RedactURI(uri)), err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "postgresql", "postgres":
		return "postgres", nil
	case "mongodb", "mongodb+srv":
		return "mongodb", nil
	case "qdrant":
		return "qdrant", nil
	case "ga4":
		return "ga4", nil
	case "http", "https":
		// Shopify shop domains are self-identifying.
		if strings.HasSuffix(parsed.Hostname(), ".myshopify.com") {
			return "shopify", nil
		}
		return "", faults.New(faults.AdapterSelectionAmbiguous,
			"http(s) URIs require an explicit db_type").
			WithRemediation("pass --type (or db_type) naming the backend behind this URL")
	default:
		return "", faults.New(faults.ConfigInvalid,
			fmt.Sprintf("unrecognized URI scheme %q", parsed.Scheme))
	}
}

// RedactURI elides the password component for logging.
func RedactURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.User == nil {
		return uri
	}
	if _, hasPassword := parsed.User.Password(); hasPassword {
		parsed.User = url.UserPassword(parsed.User.Username(), "***")
		return parsed.String()
	}
	return uri
}

func qdrantStoreFromURI(uri string) (vector.Store, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, "invalid qdrant URI", err)
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if parsedPort, err := strconv.Atoi(p); err == nil {
			port = parsedPort
		}
	}
	return vector.NewQdrantStore(vector.QdrantConfig{Host: parsed.Hostname(), Port: port})
}

func collectionFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(parsed.Path, "/")
}

func propertyFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// Adapter exposes the resolved variant.
func (o *Orchestrator) Adapter() Adapter { return o.adapter }

// DBType returns the resolved backend tag.
func (o *Orchestrator) DBType() string { return o.adapter.DBType() }

func (o *Orchestrator) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	o.logger.Debug("translating", "db_type", o.DBType(), "uri", RedactURI(o.uri))
	return o.adapter.LLMToQuery(ctx, question, opts)
}

func (o *Orchestrator) Execute(ctx context.Context, query *Query) ([]Row, error) {
	o.logger.Debug("executing", "db_type", o.DBType(), "uri", RedactURI(o.uri))
	return o.adapter.Execute(ctx, query)
}

// Run translates and executes in one step.
func (o *Orchestrator) Run(ctx context.Context, question string, opts TranslateOptions) (*Query, []Row, error) {
	query, err := o.LLMToQuery(ctx, question, opts)
	if err != nil {
		return nil, nil, err
	}
	rows, err := o.Execute(ctx, query)
	if err != nil {
		return query, nil, err
	}
	return query, rows, nil
}

func (o *Orchestrator) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	o.logger.Debug("introspecting", "db_type", o.DBType(), "uri", RedactURI(o.uri))
	return o.adapter.IntrospectSchema(ctx)
}

func (o *Orchestrator) TestConnection(ctx context.Context) bool {
	o.logger.Debug("testing connection", "db_type", o.DBType(), "uri", RedactURI(o.uri))
	return o.adapter.TestConnection(ctx)
}

func (o *Orchestrator) Close() error {
	return o.adapter.Close()
}
