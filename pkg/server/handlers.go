package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/execnode"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/tools"
)

const dateLayout = "2006-01-02"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.opts.Monitor != nil {
		body["connections"] = s.opts.Monitor.Summarize()
	}
	writeJSON(w, http.StatusOK, body)
}

// ---- primary query endpoint ----

type queryRequest struct {
	Question    string `json:"question"`
	DBType      string `json:"db_type"`
	URI         string `json:"uri"`
	Orchestrate bool   `json:"orchestrate"`
	Analyze     bool   `json:"analyze"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	if req.Question == "" {
		writeFault(w, faults.New(faults.QueryInvalid, "question is required"))
		return
	}
	uri := req.URI
	if uri == "" {
		uri = s.opts.DefaultURI
	}
	if uri == "" {
		writeFault(w, faults.New(faults.ConfigInvalid, "no connection URI configured").
			WithRemediation("pass uri in the request or set a default connection"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.queryWait)
	defer cancel()

	started := time.Now()
	runner, err := s.opts.NewRunner(uri, req.DBType)
	if err != nil {
		writeFault(w, err)
		return
	}
	defer runner.Close()

	var result map[string]any
	if req.Orchestrate && s.opts.LLM != nil {
		result, err = s.runOrchestrated(ctx, runner, req.Question)
	} else {
		result, err = s.runDirect(ctx, runner, req)
	}
	s.opts.Metrics.RecordQuery(ctx, runner.DBType(), time.Since(started), err)
	if err != nil {
		writeFault(w, timeoutAware(ctx, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) runDirect(ctx context.Context, runner QueryRunner, req queryRequest) (map[string]any, error) {
	query, rows, err := runner.Run(ctx, req.Question, adapter.TranslateOptions{})
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"db_type":   runner.DBType(),
		"query":     query,
		"rows":      rows,
		"row_count": len(rows),
	}
	if req.Analyze && s.opts.LLM != nil {
		queryText, _ := json.Marshal(query)
		analysis, err := s.opts.LLM.AnalyzeResults(ctx, req.Question, string(queryText), rows)
		if err != nil {
			// Analysis is additive; the rows already answer the question.
			s.logger.Warn("result analysis failed", "error", err)
		} else {
			result["analysis"] = analysis
		}
	}
	return result, nil
}

func (s *Server) runOrchestrated(ctx context.Context, runner QueryRunner, question string) (map[string]any, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterAdapterTools(registry, runner); err != nil {
		return nil, err
	}
	if err := tools.RegisterExportTools(registry); err != nil {
		return nil, err
	}

	sink := execnode.NewMemorySink(0)
	node, err := execnode.NewNode(execnode.Options{
		Registry: registry,
		LLM:      s.opts.LLM,
		Sink:     sink,
		DBType:   runner.DBType(),
	})
	if err != nil {
		return nil, err
	}

	state, err := node.Run(ctx, question)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"db_type":      runner.DBType(),
		"orchestrated": true,
		"success":      state.Success,
		"synthesis":    state.Synthesis,
		"plan":         state.ExecutionPlan,
		"errors":       state.Errors,
		"events":       sink.Events(),
	}, nil
}

// timeoutAware reclassifies context expiry as the timeout kind so the
// client sees 504, not a backend error.
func timeoutAware(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, "query exceeded the time budget", err)
	}
	return err
}

// ---- tool gateway ----

type invokeRequest struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) handleToolInvoke(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tools == nil || s.opts.Minter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "tool gateway is not configured"})
		return
	}
	_, workspaceID, err := s.bearerClaims(r)
	if err != nil {
		writeFault(w, err)
		return
	}

	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	result, err := s.opts.Tools.Invoke(r.Context(), workspaceID, req.Tool, req.Parameters)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

type tokenRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) handleToolToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.Minter == nil || s.opts.Slack == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "token minting is not configured"})
		return
	}
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}

	// Only installed workspaces may mint tokens.
	if _, ok := s.opts.Slack.Workspace(req.WorkspaceID); !ok {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": "workspace is not connected",
		})
		return
	}

	token, err := s.opts.Minter.Mint(req.UserID, req.WorkspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": time.Now().Add(credstore.TokenTTL).UTC().Format(time.RFC3339),
	})
}

func (s *Server) bearerClaims(r *http.Request) (userID, workspaceID string, err error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", "", faults.New(faults.AuthExpired, "missing bearer token").
			WithRemediation("request a token from /api/tools/token")
	}
	return s.opts.Minter.Claims(token)
}

// ---- OAuth ----

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "oauth is not configured"})
		return
	}

	var authorizeURL string
	var err error
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		authorizeURL, err = s.opts.OAuth.AuthorizeURLFor(sessionID)
	} else {
		var session *credstore.Session
		session, authorizeURL, err = s.opts.OAuth.Begin()
		if err == nil {
			// CLI clients poll check_session with this id.
			w.Header().Set("X-Session-Id", session.ID)
		}
	}
	if err != nil {
		writeFault(w, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "oauth is not configured"})
		return
	}

	query := r.URL.Query()
	successURL, err := s.opts.OAuth.Callback(r.Context(), query.Get("code"), query.Get("state"))
	if err != nil {
		writeFault(w, err)
		return
	}
	if successURL == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": "complete"})
		return
	}
	http.Redirect(w, r, successURL, http.StatusFound)
}

func (s *Server) handleCheckSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.OAuth == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "oauth is not configured"})
		return
	}

	state, err := s.opts.OAuth.CheckSession(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// ---- indexing ----

type indexRunRequest struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	ForceFull   bool   `json:"force_full"`
}

func (s *Server) handleIndexRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Indexer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "indexing is not configured"})
		return
	}
	var req indexRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	workspaceID, err := s.workspaceFrom(r, req.WorkspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}

	if !s.indexSem.TryAcquire(1) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": "too many concurrent indexing runs",
		})
		return
	}
	// Detached from the request context: the run outlives the response.
	go func() {
		defer s.indexSem.Release(1)
		if err := s.opts.Indexer.Run(context.Background(), workspaceID, req.ForceFull); err != nil {
			s.logger.Warn("indexing run failed", "workspace", workspaceID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "started",
		"workspace_id": workspaceID,
		"force_full":   req.ForceFull,
	})
}

type indexSearchRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	Query       string   `json:"query"`
	Channels    []string `json:"channels"`
	Users       []string `json:"users"`
	DateFrom    string   `json:"date_from"`
	DateTo      string   `json:"date_to"`
	Limit       int      `json:"limit"`
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	if s.opts.Embedder == nil || s.opts.Vectors == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "indexing is not configured"})
		return
	}
	var req indexSearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFault(w, err)
		return
	}
	workspaceID, err := s.workspaceFrom(r, req.WorkspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}

	searchReq := adapter.SemanticSearchRequest{
		Query:    req.Query,
		Limit:    req.Limit,
		Channels: req.Channels,
		Users:    req.Users,
	}
	if req.DateFrom != "" {
		from, err := time.Parse(dateLayout, req.DateFrom)
		if err != nil {
			writeFault(w, faults.New(faults.QueryInvalid, "date_from must be YYYY-MM-DD"))
			return
		}
		searchReq.DateFrom = &from
	}
	if req.DateTo != "" {
		to, err := time.Parse(dateLayout, req.DateTo)
		if err != nil {
			writeFault(w, faults.New(faults.QueryInvalid, "date_to must be YYYY-MM-DD"))
			return
		}
		searchReq.DateTo = &to
	}

	searcher, err := slackindex.NewSearcher(s.opts.Embedder, s.opts.Vectors, workspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}

	started := time.Now()
	rows, err := searcher.SemanticSearch(r.Context(), searchReq)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":       rows,
		"count":         len(rows),
		"query_time_ms": time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Indexer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "indexing is not configured"})
		return
	}
	workspaceID := chi.URLParam(r, "workspaceID")

	status, err := s.opts.Indexer.Status(workspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	watermarks, err := s.opts.Indexer.Watermarks(workspaceID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"channels": watermarks,
	})
}

// workspaceFrom resolves the workspace from the bearer token when
// present, falling back to the request body.
func (s *Server) workspaceFrom(r *http.Request, fromBody string) (string, error) {
	if s.opts.Minter != nil && strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		_, workspaceID, err := s.bearerClaims(r)
		if err != nil {
			return "", err
		}
		return workspaceID, nil
	}
	if fromBody == "" {
		return "", faults.New(faults.QueryInvalid, "workspace_id is required")
	}
	return fromBody, nil
}

// ---- availability ----

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.opts.Monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "monitoring is not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":     s.opts.Monitor.Summarize(),
		"connections": s.opts.Monitor.Snapshot(),
	})
}

func (s *Server) handleConnectionCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Monitor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "monitoring is not configured"})
		return
	}
	health, ok := s.opts.Monitor.ForceCheck(r.Context(), chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown connection"})
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// ---- webhooks ----

func (s *Server) handleShopifyWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shopify == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "shopify is not configured"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeFault(w, faults.Wrap(faults.QueryInvalid, "cannot read webhook body", err))
		return
	}

	signature := r.Header.Get("X-Shopify-Hmac-Sha256")
	if !s.opts.Shopify.VerifyWebhook(payload, signature) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "webhook signature mismatch"})
		return
	}

	event, err := s.opts.Shopify.ProcessWebhook(r.Header.Get("X-Shopify-Topic"), payload)
	if err != nil {
		writeFault(w, err)
		return
	}
	s.logger.Info("shopify webhook accepted", "topic", event.Type, "id", event.ID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": event.ID})
}
