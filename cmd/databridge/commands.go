package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/embedder"
	"github.com/databridge-io/databridge/pkg/execnode"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/monitor"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/tools"
	"github.com/databridge-io/databridge/pkg/vector"
)

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("databridge version %s\n", version)
	return nil
}

// AskCmd runs one natural-language query against a backend.
type AskCmd struct {
	Question   string `arg:"" help:"Natural-language question."`
	Database   string `short:"d" help:"Backend to query (postgres, mongodb, qdrant, slack, shopify, ga4)."`
	URI        string `help:"Connection URI, overriding the configured backend."`
	Collection string `help:"Collection to target for document and vector backends."`

	Orchestrate bool `help:"Let the LLM plan a multi-step tool execution."`
	Analyze     bool `help:"Summarize the result rows with the LLM."`
	Timeout     int  `default:"60" help:"Query timeout in seconds."`
}

func (c *AskCmd) Run(cli *CLI) error {
	a, err := setup(cli)
	if err != nil {
		return err
	}
	defer a.close()

	llmClient, err := a.llmClient()
	if err != nil {
		return err
	}

	var emb embedder.Embedder
	var vectors vector.Store
	if e, err := a.embedderClient(); err != nil {
		a.logger.Debug("embedder unavailable, schema retrieval disabled", "error", err)
	} else {
		emb = e
		vectors = a.vectorStore()
	}

	uri := c.URI
	dbType := c.Database
	if uri == "" {
		uri, dbType, err = a.backendURI(c.Database)
		if err != nil {
			return err
		}
	}

	opts := a.runnerOptions(llmClient, emb, vectors)
	opts.DBType = dbType
	opts.Collection = c.Collection
	orch, err := adapter.NewOrchestrator(uri, opts)
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, cancel := signalContext(time.Duration(c.Timeout) * time.Second)
	defer cancel()

	var result any
	if c.Orchestrate {
		result, err = c.runOrchestrated(ctx, orch, llmClient)
	} else {
		result, err = c.runDirect(ctx, orch, llmClient)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func (c *AskCmd) runDirect(ctx context.Context, orch *adapter.Orchestrator, llmClient *llm.Client) (any, error) {
	query, rows, err := orch.Run(ctx, c.Question, adapter.TranslateOptions{Collection: c.Collection})
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"db_type":   orch.DBType(),
		"query":     query,
		"rows":      rows,
		"row_count": len(rows),
	}
	if c.Analyze {
		queryText, _ := json.Marshal(query)
		analysis, err := llmClient.AnalyzeResults(ctx, c.Question, string(queryText), rows)
		if err != nil {
			return nil, err
		}
		result["analysis"] = analysis
	}
	return result, nil
}

func (c *AskCmd) runOrchestrated(ctx context.Context, orch *adapter.Orchestrator, llmClient *llm.Client) (any, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterAdapterTools(registry, orch); err != nil {
		return nil, err
	}
	if err := tools.RegisterExportTools(registry); err != nil {
		return nil, err
	}

	sink := execnode.NewMemorySink(0)
	node, err := execnode.NewNode(execnode.Options{
		Registry: registry,
		LLM:      llmClient,
		Sink:     sink,
		DBType:   orch.DBType(),
	})
	if err != nil {
		return nil, err
	}
	state, err := node.Run(ctx, c.Question)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"db_type":   orch.DBType(),
		"success":   state.Success,
		"synthesis": state.Synthesis,
		"plan":      state.ExecutionPlan,
		"errors":    state.Errors,
	}, nil
}

// TestConnectionCmd probes configured backends and reports reachability.
type TestConnectionCmd struct {
	Database string `arg:"" optional:"" help:"Backend to probe. Default probes every configured backend."`
	Timeout  int    `default:"30" help:"Per-backend timeout in seconds."`
}

func (c *TestConnectionCmd) Run(cli *CLI) error {
	a, err := setup(cli)
	if err != nil {
		return err
	}
	defer a.close()

	backends := a.configuredBackends()
	if c.Database != "" {
		backends = []string{c.Database}
	}
	if len(backends) == 0 {
		return faults.New(faults.ConfigInvalid, "no backends configured").
			WithRemediation("add a backend section (postgres, mongodb, ...) to the configuration")
	}

	opts := a.runnerOptions(nil, nil, nil)
	failed := 0
	for _, tag := range backends {
		uri, dbType, err := a.backendURI(tag)
		if err != nil {
			fmt.Printf("%-10s FAIL  %v\n", tag, err)
			failed++
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.Timeout)*time.Second)
		started := time.Now()
		ok := backendProber(uri, dbType, opts).TestConnection(ctx)
		cancel()

		if ok {
			fmt.Printf("%-10s OK    %s (%dms)\n", tag, monitor.MaskURI(uri), time.Since(started).Milliseconds())
		} else {
			fmt.Printf("%-10s FAIL  %s\n", tag, monitor.MaskURI(uri))
			failed++
		}
	}

	if failed > 0 {
		return faults.New(faults.BackendUnreachable,
			fmt.Sprintf("%d of %d backends unreachable", failed, len(backends)))
	}
	return nil
}

// AuthenticateCmd drives the browser OAuth flow against a running gateway.
type AuthenticateCmd struct {
	Server  string `default:"http://localhost:8080" help:"Gateway base URL."`
	Timeout int    `default:"300" help:"Seconds to wait for the browser flow to finish."`
}

func (c *AuthenticateCmd) Run(cli *CLI) error {
	base := strings.TrimRight(c.Server, "/")
	client := &http.Client{
		Timeout: 30 * time.Second,
		// The authorize endpoint answers with a redirect to Slack; the
		// browser follows it, not us.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(base + "/api/auth/slack/authorize")
	if err != nil {
		return faults.Wrap(faults.BackendUnreachable, "cannot reach the gateway", err).
			WithRemediation("start the gateway with `databridge serve` or pass --server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return faults.New(faults.ConfigInvalid,
			fmt.Sprintf("gateway refused the OAuth flow (status %d)", resp.StatusCode)).
			WithRemediation("configure slack.client_id, slack.client_secret and slack.redirect_url")
	}
	authorizeURL := resp.Header.Get("Location")
	sessionID := resp.Header.Get("X-Session-Id")
	if authorizeURL == "" || sessionID == "" {
		return faults.New(faults.Internal, "gateway returned an incomplete OAuth handshake")
	}

	fmt.Println("Open this URL in your browser to connect Slack:")
	fmt.Printf("\n  %s\n\n", authorizeURL)
	fmt.Println("Waiting for the workspace install to finish...")

	deadline := time.Now().Add(time.Duration(c.Timeout) * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(2 * time.Second)

		state, err := c.checkSession(client, base, sessionID)
		if err != nil {
			continue
		}
		if state.Status == "complete" {
			fmt.Printf("Connected workspace %s\n", state.WorkspaceID)
			return nil
		}
	}
	return faults.New(faults.AuthTimeout, "timed out waiting for the OAuth flow to complete").
		WithRemediation("re-run `databridge authenticate` and finish the browser flow within 5 minutes")
}

type sessionState struct {
	Status      string `json:"status"`
	WorkspaceID string `json:"workspace_id"`
}

func (c *AuthenticateCmd) checkSession(client *http.Client, base, sessionID string) (sessionState, error) {
	var state sessionState
	resp, err := client.Get(base + "/api/auth/slack/check_session/" + sessionID)
	if err != nil {
		return state, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return state, fmt.Errorf("check_session returned status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&state)
	return state, err
}

// IndexCmd runs one Slack indexing pass in-process.
type IndexCmd struct {
	Workspace string `help:"Workspace (team) id. Defaults to the only connected workspace."`
	Full      bool   `help:"Ignore watermarks and re-read the whole retention window."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	a, err := setup(cli)
	if err != nil {
		return err
	}
	defer a.close()

	emb, err := a.embedderClient()
	if err != nil {
		return err
	}
	vectors := a.vectorStore()

	indexer, err := a.buildIndexer(emb, vectors)
	if err != nil {
		return err
	}

	workspace := c.Workspace
	if workspace == "" {
		store, err := a.slackStore()
		if err != nil {
			return err
		}
		switch workspaces := store.Workspaces(); len(workspaces) {
		case 1:
			workspace = workspaces[0]
		case 0:
			return faults.New(faults.AuthExpired, "no Slack workspace is connected").
				WithRemediation("run `databridge authenticate` first")
		default:
			return faults.New(faults.AdapterSelectionAmbiguous,
				fmt.Sprintf("%d workspaces connected", len(workspaces))).
				WithRemediation("pass --workspace with the team id")
		}
	}

	ctx, cancel := signalContext(0)
	defer cancel()

	if err := indexer.Run(ctx, workspace, c.Full); err != nil {
		return err
	}
	status, err := indexer.Status(workspace)
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d messages across %d channels for workspace %s\n",
		status.MessagesIndexed, status.ChannelsDone, workspace)
	return nil
}

// StatusCmd reports indexing progress for connected workspaces.
type StatusCmd struct {
	Workspace string `help:"Workspace (team) id. Defaults to every connected workspace."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	a, err := setup(cli)
	if err != nil {
		return err
	}
	defer a.close()

	store, err := slackindex.OpenStore(a.indexStorePath())
	if err != nil {
		return err
	}

	workspaces := []string{c.Workspace}
	if c.Workspace == "" {
		slackStore, err := a.slackStore()
		if err != nil {
			return err
		}
		workspaces = slackStore.Workspaces()
		if len(workspaces) == 0 {
			return faults.New(faults.AuthExpired, "no Slack workspace is connected").
				WithRemediation("run `databridge authenticate` first")
		}
	}

	for _, ws := range workspaces {
		status, err := store.Status(ws)
		if err != nil {
			return err
		}
		fmt.Printf("workspace %s: %s  messages=%d channels=%d\n",
			ws, status.State, status.MessagesIndexed, status.ChannelsDone)
		if status.OldestTS != nil && status.NewestTS != nil {
			fmt.Printf("  indexed range: %s .. %s\n",
				time.Unix(int64(*status.OldestTS), 0).UTC().Format(time.RFC3339),
				time.Unix(int64(*status.NewestTS), 0).UTC().Format(time.RFC3339))
		}
		if status.Error != "" {
			fmt.Printf("  last error: %s\n", status.Error)
		}

		watermarks, err := store.Watermarks(ws)
		if err != nil {
			return err
		}
		for _, wm := range watermarks {
			fmt.Printf("  #%-20s indexed through %s\n", wm.ChannelName,
				time.Unix(int64(wm.LastIndexedTS), 0).UTC().Format(time.RFC3339))
		}
	}
	return nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM, with an
// optional deadline when timeout is positive.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { tcancel(); cancel() }
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
