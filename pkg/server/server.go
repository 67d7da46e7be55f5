// Package server hosts the HTTP surfaces: the tool gateway (invoke,
// token, OAuth, indexing), the operator query endpoint, the Shopify
// webhook intake and the metrics/health endpoints. All three surfaces
// share one chi router and may run as one process.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/gateway"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/monitor"
	"github.com/databridge-io/databridge/pkg/observability"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/tools"
	"github.com/databridge-io/databridge/pkg/vector"
)

// maxConcurrentIndexRuns bounds API-triggered indexing, matching the
// scheduler's budget.
const maxConcurrentIndexRuns = 5

// QueryRunner is the per-request orchestrator slice the query endpoint
// uses. *adapter.Orchestrator satisfies it.
type QueryRunner interface {
	tools.AdapterRunner
	Run(ctx context.Context, question string, opts adapter.TranslateOptions) (*adapter.Query, []adapter.Row, error)
	Close() error
}

// ToolInvoker is the invoke surface of the gateway service.
type ToolInvoker interface {
	Invoke(ctx context.Context, workspaceID, tool string, params map[string]any) (map[string]any, error)
}

var _ ToolInvoker = (*gateway.Service)(nil)

// Options wires the server's collaborators. Nil collaborators disable
// the routes that need them with 503 responses.
type Options struct {
	Config  *config.ServerConfig
	Metrics observability.Metrics

	Minter  *credstore.TokenMinter
	Slack   *credstore.SlackStore
	Tools   ToolInvoker
	OAuth   *gateway.OAuthFlow
	Indexer *slackindex.Indexer

	Embedder embedder.Embedder
	Vectors  vector.Store

	LLM     *llm.Client
	Monitor *monitor.Monitor
	Shopify *adapter.ShopifyAdapter

	// NewRunner builds the orchestrator for one query request. Defaults
	// to adapter.NewOrchestrator over RunnerOptions.
	NewRunner     func(uri, dbType string) (QueryRunner, error)
	RunnerOptions adapter.Options
	// DefaultURI serves query requests that name no backend.
	DefaultURI string
}

// Server is the assembled HTTP process.
type Server struct {
	opts      Options
	logger    *slog.Logger
	http      *http.Server
	indexSem  *semaphore.Weighted
	queryWait time.Duration
}

// New builds the server and its router.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, faults.New(faults.ConfigInvalid, "server requires a server config section")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopMetrics{}
	}
	if opts.NewRunner == nil {
		runnerOpts := opts.RunnerOptions
		opts.NewRunner = func(uri, dbType string) (QueryRunner, error) {
			ro := runnerOpts
			ro.DBType = dbType
			return adapter.NewOrchestrator(uri, ro)
		}
	}

	s := &Server{
		opts:      opts,
		logger:    logger.GetLogger("server"),
		indexSem:  semaphore.NewWeighted(maxConcurrentIndexRuns),
		queryWait: time.Duration(opts.Config.MaxQueryTimeout) * time.Second,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observability.HTTPMiddleware(s.opts.Metrics))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/query", s.handleQuery)

		r.Post("/tools/invoke", s.handleToolInvoke)
		r.Post("/tools/token", s.handleToolToken)

		r.Route("/auth/slack", func(r chi.Router) {
			r.Get("/authorize", s.handleAuthorize)
			r.Get("/callback", s.handleCallback)
			r.Get("/check_session/{sessionID}", s.handleCheckSession)
		})

		r.Route("/indexing", func(r chi.Router) {
			r.Post("/run", s.handleIndexRun)
			r.Post("/search", s.handleIndexSearch)
			r.Get("/status/{workspaceID}", s.handleIndexStatus)
		})

		r.Get("/connections", s.handleConnections)
		r.Post("/connections/{name}/check", s.handleConnectionCheck)
	})

	r.Post("/webhooks/shopify", s.handleShopifyWebhook)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return faults.Wrap(faults.ConfigInvalid, fmt.Sprintf("cannot listen on %s", s.http.Addr), err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON renders a JSON response body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// writeFault maps the error taxonomy onto HTTP statuses.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.AuthExpired, faults.AuthTimeout:
		status = http.StatusUnauthorized
	case faults.QueryInvalid, faults.ConfigInvalid, faults.AdapterSelectionAmbiguous, faults.LLMParseError:
		status = http.StatusBadRequest
	case faults.QuotaExceeded:
		status = http.StatusTooManyRequests
	case faults.BackendUnreachable, faults.LLMUnavailable, faults.SchemaIndexUnavailable:
		status = http.StatusBadGateway
	case faults.Timeout:
		status = http.StatusGatewayTimeout
	}

	body := map[string]any{
		"error": err.Error(),
		"kind":  string(faults.KindOf(err)),
	}
	var fault *faults.Fault
	if errors.As(err, &fault) {
		if fault.Remediation != "" {
			body["remediation"] = fault.Remediation
		}
		if fault.Query != "" {
			body["query"] = fault.Query
		}
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return faults.Wrap(faults.QueryInvalid, "request body is not valid JSON", err)
	}
	return nil
}
