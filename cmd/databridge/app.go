package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/mcpgw"
	"github.com/databridge-io/databridge/pkg/monitor"
	"github.com/databridge-io/databridge/pkg/schema"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/vector"
)

// app holds the collaborators the commands assemble from configuration.
// Construction is lazy: a command only pays for the pieces it uses.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	cleanups []func()
}

// setup loads configuration and initializes logging. CLI flags win over
// the config file for log settings.
func setup(cli *CLI) (*app, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, "cannot load configuration", err)
	}

	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.LogFormat
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	a := &app{cfg: cfg}
	output := os.Stderr
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, faults.Wrap(faults.ConfigInvalid, fmt.Sprintf("cannot open log file %s", cli.LogFile), err)
		}
		a.cleanups = append(a.cleanups, closeFile)
		output = file
	}
	logger.Init(logger.ParseLevel(level), output, format)
	a.logger = logger.GetLogger("cli")
	return a, nil
}

func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// llmClient builds the completion client from the trivial_llm section.
func (a *app) llmClient() (*llm.Client, error) {
	provider, err := llm.NewOpenAIProvider(a.cfg.TrivialLLM)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(provider)
}

// embedderClient builds the embedder from the vector_db section.
func (a *app) embedderClient() (embedder.Embedder, error) {
	v := a.cfg.VectorDB
	return embedder.NewOpenAIEmbedder(v.EmbeddingKey, v.EmbeddingHost, v.EmbeddingModel, v.Dimension)
}

// vectorStore dials Qdrant, falling back to the in-memory store when the
// server is unreachable so development works without infrastructure.
func (a *app) vectorStore() vector.Store {
	v := a.cfg.VectorDB
	store, err := vector.NewQdrantStore(vector.QdrantConfig{
		Host:   v.Host,
		Port:   v.GRPCPort,
		APIKey: v.APIKey,
		UseTLS: v.UseTLS,
	})
	if err != nil {
		a.logger.Warn("qdrant unavailable, using in-memory vector store", "host", v.Host, "error", err)
		return vector.NewChromemStore()
	}
	a.cleanups = append(a.cleanups, func() { _ = store.Close() })
	return store
}

// credentialDir resolves the on-disk credential directory.
func (a *app) credentialDir() string {
	return credstore.DefaultDir()
}

// slackStore opens the sealed workspace-token store. Requires a slack
// section with a client secret to derive the sealing key.
func (a *app) slackStore() (*credstore.SlackStore, error) {
	if a.cfg.Slack == nil || a.cfg.Slack.ClientSecret == "" {
		return nil, faults.New(faults.ConfigInvalid, "slack section with client_secret is required").
			WithRemediation("add slack.client_secret to the configuration")
	}
	return credstore.NewSlackStore(a.credentialDir(), a.cfg.Slack.ClientSecret)
}

// runnerOptions assembles the adapter options shared by direct queries
// and the HTTP query endpoint.
func (a *app) runnerOptions(llmClient *llm.Client, emb embedder.Embedder, vectors vector.Store) adapter.Options {
	opts := adapter.Options{
		LLM:      llmClient,
		Embedder: emb,
		GA4:      a.cfg.GA4,
		Shopify:  a.cfg.Shopify,
	}
	if emb != nil && vectors != nil {
		opts.VectorStore = vectors
		opts.Searcher = schema.NewSearcher(vectors, emb)
	}
	if a.cfg.Slack != nil && a.cfg.Slack.MCPURL != "" {
		opts.SlackGateway = mcpgw.NewClient(a.cfg.Slack.MCPURL)
	}
	if a.cfg.Shopify != nil && a.cfg.Shopify.ClientSecret != "" {
		if tokens, err := credstore.NewShopifyStore(a.credentialDir(), a.cfg.Shopify.ClientSecret); err == nil {
			opts.Tokens = tokens
		} else {
			a.logger.Warn("shopify token store unavailable", "error", err)
		}
	}
	return opts
}

// backendURI resolves a backend tag to its configured connection URI.
// An empty tag resolves through default_database.
func (a *app) backendURI(dbType string) (string, string, error) {
	tag := config.NormalizeDBType(dbType)
	if tag == "" {
		tag = config.NormalizeDBType(a.cfg.DefaultDatabase)
	}
	if tag == "" {
		return "", "", faults.New(faults.ConfigInvalid, "no backend named and no default_database configured").
			WithRemediation("pass --database or set default_database in the configuration")
	}

	switch tag {
	case "postgres":
		if a.cfg.Postgres != nil {
			return a.cfg.Postgres.ConnectionURI(), tag, nil
		}
	case "mongodb":
		if a.cfg.MongoDB != nil {
			return a.cfg.MongoDB.ConnectionURI(), tag, nil
		}
	case "qdrant":
		if a.cfg.Qdrant != nil {
			return a.cfg.Qdrant.ConnectionURI(), tag, nil
		}
	case "slack":
		if a.cfg.Slack != nil && a.cfg.Slack.MCPURL != "" {
			return a.cfg.Slack.MCPURL, tag, nil
		}
	case "shopify":
		if a.cfg.Shopify != nil {
			return a.cfg.Shopify.AppURL, tag, nil
		}
	case "ga4":
		if a.cfg.GA4 != nil {
			return a.cfg.GA4.ConnectionURI(), tag, nil
		}
	default:
		return "", "", faults.New(faults.ConfigInvalid, fmt.Sprintf("unknown backend %q", dbType))
	}
	return "", "", faults.New(faults.ConfigInvalid, fmt.Sprintf("backend %q is not configured", tag)).
		WithRemediation(fmt.Sprintf("add a %s section to the configuration", tag))
}

// configuredBackends lists every backend section present in the config,
// in a stable order.
func (a *app) configuredBackends() []string {
	var tags []string
	if a.cfg.Postgres != nil {
		tags = append(tags, "postgres")
	}
	if a.cfg.MongoDB != nil {
		tags = append(tags, "mongodb")
	}
	if a.cfg.Qdrant != nil {
		tags = append(tags, "qdrant")
	}
	if a.cfg.Slack != nil && a.cfg.Slack.MCPURL != "" {
		tags = append(tags, "slack")
	}
	if a.cfg.Shopify != nil {
		tags = append(tags, "shopify")
	}
	if a.cfg.GA4 != nil {
		tags = append(tags, "ga4")
	}
	return tags
}

// proberFunc adapts a function to the monitor's probe contract.
type proberFunc func(ctx context.Context) bool

func (f proberFunc) TestConnection(ctx context.Context) bool { return f(ctx) }

// backendProber probes by opening a fresh connection each time, so a
// backend that recovers is seen without restarting the process.
func backendProber(uri, dbType string, opts adapter.Options) monitor.Prober {
	return proberFunc(func(ctx context.Context) bool {
		ro := opts
		ro.DBType = dbType
		orch, err := adapter.NewOrchestrator(uri, ro)
		if err != nil {
			return false
		}
		defer orch.Close()
		return orch.TestConnection(ctx)
	})
}

// indexStorePath resolves where the indexing run-state database lives.
func (a *app) indexStorePath() string {
	if a.cfg.Slack != nil && a.cfg.Slack.WorkspaceDBPath != "" {
		return a.cfg.Slack.WorkspaceDBPath
	}
	return filepath.Join(a.credentialDir(), "slack_index.db")
}

// buildIndexer wires the Slack indexer when the slack section is present.
func (a *app) buildIndexer(emb embedder.Embedder, vectors vector.Store) (*slackindex.Indexer, error) {
	sc := a.cfg.Slack
	if sc == nil || sc.MCPURL == "" {
		return nil, faults.New(faults.ConfigInvalid, "slack section with mcp_url is required for indexing").
			WithRemediation("add slack.mcp_url to the configuration")
	}

	dbPath := a.indexStorePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, "cannot create index directory", err)
	}
	store, err := slackindex.OpenStore(dbPath)
	if err != nil {
		return nil, err
	}

	retention := -1
	if sc.HistoryDays != nil {
		retention = *sc.HistoryDays
	}
	return slackindex.NewIndexer(slackindex.Options{
		Store:                 store,
		Gateway:               mcpgw.NewClient(sc.MCPURL),
		Embedder:              emb,
		Vectors:               vectors,
		RetentionDays:         retention,
		MaxMessagesPerChannel: sc.MaxMessagesPerChannel,
	})
}
