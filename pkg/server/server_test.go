package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/credstore"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/gateway"
	"github.com/databridge-io/databridge/pkg/monitor"
	"github.com/databridge-io/databridge/pkg/schema"
	"github.com/databridge-io/databridge/pkg/slackindex"
	"github.com/databridge-io/databridge/pkg/vector"
)

type stubRunner struct {
	dbType string
	rows   []adapter.Row
	err    error
	closed bool
}

func (r *stubRunner) DBType() string { return r.dbType }

func (r *stubRunner) Run(ctx context.Context, question string, opts adapter.TranslateOptions) (*adapter.Query, []adapter.Row, error) {
	if r.err != nil {
		return nil, nil, r.err
	}
	return &adapter.Query{Kind: adapter.KindSQL, SQL: &adapter.SQLQuery{Text: "SELECT 1"}}, r.rows, nil
}

func (r *stubRunner) LLMToQuery(ctx context.Context, question string, opts adapter.TranslateOptions) (*adapter.Query, error) {
	return &adapter.Query{Kind: adapter.KindSQL, SQL: &adapter.SQLQuery{Text: "SELECT 1"}}, nil
}

func (r *stubRunner) Execute(ctx context.Context, query *adapter.Query) ([]adapter.Row, error) {
	return r.rows, r.err
}

func (r *stubRunner) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	return nil, nil
}

func (r *stubRunner) TestConnection(ctx context.Context) bool { return true }

func (r *stubRunner) Close() error {
	r.closed = true
	return nil
}

type stubInvoker struct {
	gotWorkspace string
	gotTool      string
	result       map[string]any
	err          error
}

func (s *stubInvoker) Invoke(ctx context.Context, workspaceID, tool string, params map[string]any) (map[string]any, error) {
	s.gotWorkspace = workspaceID
	s.gotTool = tool
	return s.result, s.err
}

func serverConfig() *config.ServerConfig {
	cfg := &config.ServerConfig{}
	cfg.SetDefaults()
	return cfg
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Config == nil {
		opts.Config = serverConfig()
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	m := monitor.New()
	s := newTestServer(t, Options{Monitor: m})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestQueryReturnsRows(t *testing.T) {
	runner := &stubRunner{dbType: "postgres", rows: []adapter.Row{{"n": float64(1)}}}
	s := newTestServer(t, Options{
		DefaultURI: "postgresql://db/app",
		NewRunner:  func(uri, dbType string) (QueryRunner, error) { return runner, nil },
	})

	rec := postJSON(t, s.Router(), "/api/query", map[string]any{"question": "how many?"}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "postgres", body["db_type"])
	assert.Equal(t, float64(1), body["row_count"])
	assert.True(t, runner.closed)
}

func TestQueryRequiresQuestion(t *testing.T) {
	s := newTestServer(t, Options{DefaultURI: "postgresql://db/app"})

	rec := postJSON(t, s.Router(), "/api/query", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryRequiresURI(t *testing.T) {
	s := newTestServer(t, Options{})

	rec := postJSON(t, s.Router(), "/api/query", map[string]any{"question": "q"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryMapsFaultsToStatus(t *testing.T) {
	cases := []struct {
		kind   faults.Kind
		status int
	}{
		{faults.QueryInvalid, http.StatusBadRequest},
		{faults.BackendUnreachable, http.StatusBadGateway},
		{faults.AuthExpired, http.StatusUnauthorized},
		{faults.QuotaExceeded, http.StatusTooManyRequests},
	}
	for _, tc := range cases {
		runner := &stubRunner{dbType: "postgres", err: faults.New(tc.kind, "boom")}
		s := newTestServer(t, Options{
			DefaultURI: "postgresql://db/app",
			NewRunner:  func(uri, dbType string) (QueryRunner, error) { return runner, nil },
		})

		rec := postJSON(t, s.Router(), "/api/query", map[string]any{"question": "q"}, nil)
		assert.Equal(t, tc.status, rec.Code, "kind %s", tc.kind)
		body := decodeBody(t, rec)
		assert.Equal(t, string(tc.kind), body["kind"])
	}
}

func newMinterAndStore(t *testing.T) (*credstore.TokenMinter, *credstore.SlackStore) {
	t.Helper()
	minter, err := credstore.NewTokenMinter("signing-secret")
	require.NoError(t, err)
	store, err := credstore.NewSlackStore(t.TempDir(), "secret")
	require.NoError(t, err)
	require.NoError(t, store.Save(credstore.SlackWorkspace{TeamID: "T1", TeamName: "acme", BotToken: "xoxb-1"}))
	return minter, store
}

func TestToolTokenAndInvoke(t *testing.T) {
	minter, store := newMinterAndStore(t)
	invoker := &stubInvoker{result: map[string]any{"channels": []any{}}}
	s := newTestServer(t, Options{Minter: minter, Slack: store, Tools: invoker})
	router := s.Router()

	// Unknown workspace cannot mint.
	rec := postJSON(t, router, "/api/tools/token", map[string]any{"user_id": "U1", "workspace_id": "T999"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, router, "/api/tools/token", map[string]any{"user_id": "U1", "workspace_id": "T1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.NotEmpty(t, body["expires_at"])

	// Invoke with the minted token reaches the gateway with the
	// workspace from the claims.
	rec = postJSON(t, router, "/api/tools/invoke",
		map[string]any{"tool": "slack_list_channels", "parameters": map[string]any{}},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "T1", invoker.gotWorkspace)
	assert.Equal(t, "slack_list_channels", invoker.gotTool)

	// No token, bad token.
	rec = postJSON(t, router, "/api/tools/invoke", map[string]any{"tool": "slack_list_channels"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, router, "/api/tools/invoke", map[string]any{"tool": "slack_list_channels"},
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestToolInvokeUnknownToolIs400(t *testing.T) {
	minter, store := newMinterAndStore(t)
	invoker := &stubInvoker{err: faults.New(faults.QueryInvalid, `unknown tool "nope"`)}
	s := newTestServer(t, Options{Minter: minter, Slack: store, Tools: invoker})

	token, err := minter.Mint("U1", "T1")
	require.NoError(t, err)

	rec := postJSON(t, s.Router(), "/api/tools/invoke", map[string]any{"tool": "nope"},
		map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeRedirects(t *testing.T) {
	_, store := newMinterAndStore(t)
	flow, err := gateway.NewOAuthFlow(gateway.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "shh",
		RedirectURI:  "https://gw.example.com/api/auth/slack/callback",
	}, credstore.NewSessionStore(), store)
	require.NoError(t, err)
	s := newTestServer(t, Options{OAuth: flow})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/slack/authorize", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "https://slack.com/oauth/v2/authorize"))
	assert.Contains(t, location, "client_id=client")
	assert.NotEmpty(t, rec.Header().Get("X-Session-Id"))
}

func TestCheckSessionUnknownIs404(t *testing.T) {
	_, store := newMinterAndStore(t)
	flow, err := gateway.NewOAuthFlow(gateway.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "shh",
		RedirectURI:  "https://gw.example.com/cb",
	}, credstore.NewSessionStore(), store)
	require.NoError(t, err)
	s := newTestServer(t, Options{OAuth: flow})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/slack/check_session/nope", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type emptyGateway struct{}

func (emptyGateway) ListChannels(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"channels": []}`), nil
}

func (emptyGateway) ChannelHistoryPage(ctx context.Context, channelID string, limit int, oldest float64, cursor string) (json.RawMessage, error) {
	return json.RawMessage(`{"messages": []}`), nil
}

type flatEmbedder struct{}

func (flatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

func (e flatEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (flatEmbedder) Dimension() int    { return 4 }
func (flatEmbedder) ModelName() string { return "flat" }

func newTestIndexer(t *testing.T) *slackindex.Indexer {
	t.Helper()
	store, err := slackindex.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	indexer, err := slackindex.NewIndexer(slackindex.Options{
		Store:    store,
		Gateway:  emptyGateway{},
		Embedder: flatEmbedder{},
		Vectors:  vector.NewChromemStore(),
	})
	require.NoError(t, err)
	return indexer
}

func TestIndexingRunAndStatus(t *testing.T) {
	indexer := newTestIndexer(t)
	s := newTestServer(t, Options{
		Indexer:  indexer,
		Embedder: flatEmbedder{},
		Vectors:  vector.NewChromemStore(),
	})
	router := s.Router()

	rec := postJSON(t, router, "/api/indexing/run", map[string]any{"workspace_id": "T1"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "started", body["status"])
	assert.Equal(t, "T1", body["workspace_id"])

	// Missing workspace is rejected up front.
	rec = postJSON(t, router, "/api/indexing/run", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/indexing/status/T1", nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, req)
	require.Equal(t, http.StatusOK, statusRec.Code)
	statusBody := decodeBody(t, statusRec)
	assert.Contains(t, statusBody, "status")
	assert.Contains(t, statusBody, "channels")
}

func TestIndexingSearchValidation(t *testing.T) {
	s := newTestServer(t, Options{
		Embedder: flatEmbedder{},
		Vectors:  vector.NewChromemStore(),
	})
	router := s.Router()

	rec := postJSON(t, router, "/api/indexing/search",
		map[string]any{"workspace_id": "T1", "query": "deploys", "date_from": "not-a-date"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/api/indexing/search",
		map[string]any{"workspace_id": "T1", "query": "deploys"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Contains(t, body, "query_time_ms")
}

func TestShopifyWebhook(t *testing.T) {
	cfg := &config.ShopifyConfig{AppURL: "acme.myshopify.com", WebhookSecret: "whsec"}
	cfg.SetDefaults()
	shopify, err := adapter.NewShopifyAdapter(cfg, nil, nil)
	require.NoError(t, err)
	s := newTestServer(t, Options{Shopify: shopify})
	router := s.Router()

	payload := []byte(`{"id": 42, "updated_at": "2026-08-20T10:00:00Z"}`)
	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify", bytes.NewReader(payload))
	req.Header.Set("X-Shopify-Hmac-Sha256", signature)
	req.Header.Set("X-Shopify-Topic", "orders/updated")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "42", body["id"])

	// Tampered payload fails verification.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/shopify", bytes.NewReader([]byte(`{"id": 43}`)))
	req.Header.Set("X-Shopify-Hmac-Sha256", signature)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConnectionsEndpoint(t *testing.T) {
	m := monitor.New()
	m.Register(monitor.Target{Name: "pg", URI: "postgresql://u:p@db/app", Probe: okProbe{}})
	m.CheckAll(context.Background())
	s := newTestServer(t, Options{Monitor: m})
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "summary")
	assert.Contains(t, body, "connections")

	req = httptest.NewRequest(http.MethodPost, "/api/connections/pg/check", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/connections/nope/check", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type okProbe struct{}

func (okProbe) TestConnection(ctx context.Context) bool { return true }

func TestMetricsEndpointServes(t *testing.T) {
	s := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnconfiguredSurfacesReturn503(t *testing.T) {
	s := newTestServer(t, Options{})
	router := s.Router()

	rec := postJSON(t, router, "/api/tools/invoke", map[string]any{"tool": "x"}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = postJSON(t, router, "/webhooks/shopify", map[string]any{}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/slack/authorize", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}
