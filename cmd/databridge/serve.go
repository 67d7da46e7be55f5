package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/gateway"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/monitor"
	"github.com/databridge-io/databridge/pkg/observability"
	"github.com/databridge-io/databridge/pkg/server"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/vector"
)

// ServeCmd starts the HTTP gateway.
type ServeCmd struct {
	Port    int  `help:"Port to listen on. Overrides the config file."`
	Watch   bool `help:"Watch the config file for changes."`
	Observe bool `help:"Enable OTLP tracing to localhost:4317."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := setup(cli)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		a.logger.Info("shutting down")
		cancel()
	}()

	obsCfg := observability.Config{Metrics: observability.MetricsConfig{Enabled: true}}
	if c.Observe {
		obsCfg.Tracing = observability.TracerConfig{
			Enabled:      true,
			ExporterType: "otlp",
			EndpointURL:  "localhost:4317",
			ServiceName:  observability.DefaultServiceName,
		}
	}
	obs := observability.NewManager(obsCfg)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		_ = obs.Shutdown(flushCtx)
	}()

	// LLM and embedder are optional at serve time: without them the
	// query endpoint still accepts raw-capable backends and the tool
	// gateway runs in full.
	var llmClient *llm.Client
	if lc, err := a.llmClient(); err != nil {
		a.logger.Warn("llm unavailable, translation disabled", "error", err)
	} else {
		llmClient = lc
	}
	var emb embedder.Embedder
	if e, err := a.embedderClient(); err != nil {
		a.logger.Warn("embedder unavailable, semantic features disabled", "error", err)
	} else {
		emb = e
	}
	var vectors vector.Store
	if emb != nil {
		vectors = a.vectorStore()
	}

	opts := server.Options{
		Config:        a.cfg.Server,
		Metrics:       obs.GetMetrics(),
		LLM:           llmClient,
		Embedder:      emb,
		Vectors:       vectors,
		RunnerOptions: a.runnerOptions(llmClient, emb, vectors),
	}
	if c.Port != 0 {
		opts.Config.Port = c.Port
	}
	if a.cfg.DefaultDatabase != "" {
		uri, _, err := a.backendURI("")
		if err != nil {
			a.logger.Warn("default database unresolvable", "error", err)
		} else {
			opts.DefaultURI = uri
		}
	}

	if a.cfg.SSO != nil && a.cfg.SSO.JWTSecret != "" {
		minter, err := credstore.NewTokenMinter(a.cfg.SSO.JWTSecret)
		if err != nil {
			return err
		}
		opts.Minter = minter
	}

	var slackStore *credstore.SlackStore
	if a.cfg.Slack != nil && a.cfg.Slack.ClientSecret != "" {
		slackStore, err = a.slackStore()
		if err != nil {
			return err
		}
		opts.Slack = slackStore
		opts.Tools = gateway.NewService(slackStore)

		sc := a.cfg.Slack
		if sc.ClientID != "" && sc.RedirectURL != "" {
			flow, err := gateway.NewOAuthFlow(gateway.OAuthConfig{
				ClientID:     sc.ClientID,
				ClientSecret: sc.ClientSecret,
				RedirectURI:  sc.RedirectURL,
			}, credstore.NewSessionStore(), slackStore)
			if err != nil {
				return err
			}
			opts.OAuth = flow
		}
	}

	if slackStore != nil && emb != nil && vectors != nil && a.cfg.Slack.MCPURL != "" {
		indexer, err := a.buildIndexer(emb, vectors)
		if err != nil {
			return err
		}
		opts.Indexer = indexer

		scheduler := slackindex.NewScheduler(indexer, slackStore.Workspaces)
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()

		if workspaces := slackStore.Workspaces(); len(workspaces) == 1 {
			searcher, err := slackindex.NewSearcher(emb, vectors, workspaces[0])
			if err != nil {
				return err
			}
			opts.RunnerOptions.SlackIndex = searcher
		}
	}

	if a.cfg.Shopify != nil {
		shopify, err := adapter.NewShopifyAdapter(a.cfg.Shopify, opts.RunnerOptions.Tokens, llmClient)
		if err != nil {
			a.logger.Warn("shopify adapter unavailable", "error", err)
		} else {
			opts.Shopify = shopify
		}
	}

	mon := monitor.New()
	for _, tag := range a.configuredBackends() {
		uri, dbType, err := a.backendURI(tag)
		if err != nil || uri == "" {
			continue
		}
		mon.Register(monitor.Target{
			Name:  tag,
			URI:   uri,
			Probe: backendProber(uri, dbType, opts.RunnerOptions),
		})
	}
	mon.Start(ctx)
	defer mon.Stop()
	opts.Monitor = mon

	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	if c.Watch {
		if path := c.watchPath(cli.Config); path != "" {
			go func() {
				err := config.Watch(ctx, path, func(_ *config.Config) {
					a.logger.Warn("configuration changed on disk, restart to apply", "path", path)
				})
				if err != nil && ctx.Err() == nil {
					a.logger.Error("config watch failed", "error", err)
				}
			}()
		}
	}

	fmt.Printf("databridge gateway ready\n")
	fmt.Printf("   Query:   http://%s:%d/api/query\n", opts.Config.Host, opts.Config.Port)
	fmt.Printf("   Tools:   http://%s:%d/api/tools/invoke\n", opts.Config.Host, opts.Config.Port)
	fmt.Printf("   Health:  http://%s:%d/health\n", opts.Config.Host, opts.Config.Port)
	fmt.Printf("   Metrics: http://%s:%d/metrics\n", opts.Config.Host, opts.Config.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	}
}

// watchPath resolves which file to watch: the explicit flag, or the
// first existing file on the search chain.
func (c *ServeCmd) watchPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, candidate := range config.SearchChain() {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
