package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/httpclient"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/schema"
)

// Resources the adapter knows how to query.
var shopifyResources = []string{
	"products", "orders", "customers", "inventory_items",
	"collections", "price_rules", "discount_codes", "locations",
}

// scopeManifest declares the API scopes each resource needs. Requested
// scopes are the union over all resources.
var scopeManifest = map[string][]string{
	"products":        {"read_products"},
	"orders":          {"read_orders"},
	"customers":       {"read_customers"},
	"inventory_items": {"read_inventory"},
	"collections":     {"read_products"},
	"price_rules":     {"read_price_rules"},
	"discount_codes":  {"read_price_rules"},
	"locations":       {"read_locations"},
}

// TokenSource supplies the current access token and granted scopes for
// a shop. Implemented by the credential store.
type TokenSource interface {
	AccessToken(shop string) (string, error)
	GrantedScopes(shop string) []string
}

// ScopeDiff is the result of comparing manifest scopes against grants.
type ScopeDiff struct {
	Granted   []string `json:"granted"`
	Requested []string `json:"requested"`
	Missing   []string `json:"missing"`
}

// WebhookEvent is the normalized webhook payload.
type WebhookEvent struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data"`
	ShopDomain string         `json:"shop_domain"`
	UpdatedAt  string         `json:"updated_at"`
}

// ShopifyAdapter is the e-commerce adapter variant.
type ShopifyAdapter struct {
	shop          string
	apiVersion    string
	webhookSecret string
	tokens        TokenSource
	llm           *llm.Client
	http          *httpclient.Client
	logger        *slog.Logger
}

// NewShopifyAdapter creates an adapter for the shop named by cfg.AppURL.
func NewShopifyAdapter(cfg *config.ShopifyConfig, tokens TokenSource, llmClient *llm.Client) (*ShopifyAdapter, error) {
	shop, err := normalizeShopDomain(cfg.AppURL)
	if err != nil {
		return nil, err
	}
	return &ShopifyAdapter{
		shop:          shop,
		apiVersion:    cfg.APIVersion,
		webhookSecret: cfg.WebhookSecret,
		tokens:        tokens,
		llm:           llmClient,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseShopifyRateLimitHeaders),
		),
		logger: logger.GetLogger("adapter.shopify"),
	}, nil
}

func normalizeShopDomain(appURL string) (string, error) {
	raw := strings.TrimSpace(appURL)
	if raw == "" {
		return "", faults.New(faults.ConfigInvalid, "shopify app_url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", faults.New(faults.ConfigInvalid, fmt.Sprintf("invalid shopify app_url %q", appURL))
	}
	return parsed.Host, nil
}

func (a *ShopifyAdapter) DBType() string { return "shopify" }

const shopifyTranslatePrompt = `You translate questions about a Shopify store into one Admin API call.

Available resources: %s

Question: %s

Return only JSON: {"endpoint": "<resource>", "method": "GET", "params": {"limit": "50", ...}}`

func (a *ShopifyAdapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	prompt := fmt.Sprintf(shopifyTranslatePrompt, strings.Join(shopifyResources, ", "), question)
	raw, err := a.llm.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var parsed ShopifyQuery
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.LLMParseError, "shopify query has unexpected shape", err).WithRaw(string(raw))
	}
	normalized, err := NormalizeShopifyQuery(&parsed)
	if err != nil {
		return nil, err
	}
	return &Query{Kind: KindShopifyAPI, Shopify: normalized}, nil
}

// ParseShopifyInput accepts the tolerant input forms: a raw SQL-looking
// string is parsed for resource, LIMIT and simple equality predicates;
// anything else must already be a bare resource name.
func ParseShopifyInput(input string) (*ShopifyQuery, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(input), ";"))
	if trimmed == "" {
		return nil, faults.New(faults.QueryInvalid, "empty shopify query")
	}

	if strings.HasPrefix(strings.ToLower(trimmed), "select") {
		return parseShopifySQL(trimmed)
	}
	return NormalizeShopifyQuery(&ShopifyQuery{Endpoint: trimmed, Method: http.MethodGet})
}

var (
	shopifyFromRe  = regexp.MustCompile(`(?i)\bfrom\s+([a-z_]+)`)
	shopifyLimitRe = regexp.MustCompile(`(?i)\blimit\s+(\d+)`)
	shopifyWhereRe = regexp.MustCompile(`(?i)\bwhere\s+(.+?)(?:\s+order\s+by|\s+limit\s+|$)`)
	shopifyEqRe    = regexp.MustCompile(`([a-z_]+)\s*=\s*'?([^'\s]+)'?`)
)

// parseShopifySQL extracts resource, LIMIT and simple equality WHERE
// clauses from a SQL-looking string. Only the documented subset is
// recognized; anything fancier fails loudly rather than guessing.
func parseShopifySQL(sql string) (*ShopifyQuery, error) {
	fromMatch := shopifyFromRe.FindStringSubmatch(sql)
	if fromMatch == nil {
		return nil, faults.New(faults.QueryInvalid, "could not find a resource in FROM clause").WithQuery(sql)
	}

	q := &ShopifyQuery{
		Endpoint: strings.ToLower(fromMatch[1]),
		Method:   http.MethodGet,
		Params:   map[string]string{},
	}

	if m := shopifyLimitRe.FindStringSubmatch(sql); m != nil {
		q.Params["limit"] = m[1]
	}
	if m := shopifyWhereRe.FindStringSubmatch(sql); m != nil {
		for _, eq := range shopifyEqRe.FindAllStringSubmatch(m[1], -1) {
			q.Params[eq[1]] = eq[2]
		}
	}
	return NormalizeShopifyQuery(q)
}

var legacyPathRe = regexp.MustCompile(`^/?admin/api/[0-9]{4}-[0-9]{2}/([a-z_]+)(?:\.json)?$`)

// NormalizeShopifyQuery folds legacy full API paths down to the bare
// resource name and validates the resource against the known set.
func NormalizeShopifyQuery(q *ShopifyQuery) (*ShopifyQuery, error) {
	endpoint := strings.TrimSpace(q.Endpoint)
	if m := legacyPathRe.FindStringSubmatch(endpoint); m != nil {
		endpoint = m[1]
	}
	endpoint = strings.TrimSuffix(strings.Trim(endpoint, "/"), ".json")

	valid := false
	for _, resource := range shopifyResources {
		if endpoint == resource {
			valid = true
			break
		}
	}
	if !valid {
		return nil, faults.New(faults.QueryInvalid,
			fmt.Sprintf("unknown shopify resource %q", q.Endpoint))
	}

	method := strings.ToUpper(q.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, faults.New(faults.QueryInvalid,
			fmt.Sprintf("unsupported method %s for shopify", q.Method))
	}

	return &ShopifyQuery{Endpoint: endpoint, Method: method, Params: q.Params}, nil
}

func (a *ShopifyAdapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindShopifyAPI || query.Shopify == nil {
		return nil, faults.New(faults.QueryInvalid, "shopify adapter requires an API query")
	}
	q, err := NormalizeShopifyQuery(query.Shopify)
	if err != nil {
		return nil, err
	}

	body, err := a.call(ctx, q.Method, q.Endpoint, q.Params)
	if err != nil {
		return nil, err
	}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "shopify returned malformed JSON", err)
	}

	// Responses wrap the payload under the resource name.
	if list, ok := envelope[q.Endpoint].([]any); ok {
		rows := make([]Row, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows, nil
	}
	return []Row{envelope}, nil
}

// call reconstitutes the full Admin API path from the configured version
// and performs the HTTP exchange.
func (a *ShopifyAdapter) call(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	token, err := a.tokens.AccessToken(a.shop)
	if err != nil {
		return nil, faults.Wrap(faults.AuthExpired, "no shopify access token", err).
			WithRemediation("run authentication for this shop")
	}

	u := url.URL{
		Scheme: "https",
		Host:   a.shop,
		Path:   fmt.Sprintf("/admin/api/%s/%s.json", a.apiVersion, endpoint),
	}
	values := url.Values{}
	for key, value := range params {
		values.Set(key, value)
	}
	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build shopify request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "shopify is unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "failed to read shopify response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.New(faults.AuthExpired, "shopify rejected the access token").
			WithRemediation("re-run authentication for this shop")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.QuotaExceeded, "shopify API call limit reached")
	case resp.StatusCode == http.StatusNotFound:
		return nil, faults.New(faults.QueryInvalid, fmt.Sprintf("shopify resource %s not found", endpoint))
	case resp.StatusCode != http.StatusOK:
		return nil, faults.New(faults.BackendUnreachable,
			fmt.Sprintf("shopify returned status %d", resp.StatusCode))
	}
	return body, nil
}

// AvailableScopes diffs the manifest's requested scopes against the
// grants recorded for this shop.
func (a *ShopifyAdapter) AvailableScopes() ScopeDiff {
	requestedSet := make(map[string]bool)
	for _, scopes := range scopeManifest {
		for _, scope := range scopes {
			requestedSet[scope] = true
		}
	}
	requested := make([]string, 0, len(requestedSet))
	for scope := range requestedSet {
		requested = append(requested, scope)
	}
	sort.Strings(requested)

	granted := a.tokens.GrantedScopes(a.shop)
	grantedSet := make(map[string]bool, len(granted))
	for _, scope := range granted {
		grantedSet[scope] = true
	}
	sort.Strings(granted)

	var missing []string
	for _, scope := range requested {
		if !grantedSet[scope] {
			missing = append(missing, scope)
		}
	}
	return ScopeDiff{Granted: granted, Requested: requested, Missing: missing}
}

// VerifyWebhook checks the HMAC-SHA256 signature Shopify attaches to
// webhook deliveries. Comparison is constant time.
func (a *ShopifyAdapter) VerifyWebhook(payload []byte, signature string) bool {
	if a.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ProcessWebhook normalizes a verified webhook body into one event.
func (a *ShopifyAdapter) ProcessWebhook(topic string, body []byte) (*WebhookEvent, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, faults.Wrap(faults.QueryInvalid, "webhook body is not JSON", err)
	}

	event := &WebhookEvent{
		Type:       topic,
		Data:       data,
		ShopDomain: a.shop,
	}
	switch id := data["id"].(type) {
	case float64:
		event.ID = strconv.FormatInt(int64(id), 10)
	case string:
		event.ID = id
	}
	if updated, ok := data["updated_at"].(string); ok {
		event.UpdatedAt = updated
	}
	return event, nil
}

// IntrospectSchema emits one document per known resource with a live
// count where the scope allows it.
func (a *ShopifyAdapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	var docs []schema.SchemaDocument
	var failed []string
	for _, resource := range shopifyResources {
		count, err := a.resourceCount(ctx, resource)
		if err != nil {
			a.logger.Warn("resource introspection failed", "resource", resource, "error", err)
			failed = append(failed, resource)
			continue
		}
		docs = append(docs, schema.SchemaDocument{
			ID: "resource:" + resource,
			Content: fmt.Sprintf("Shopify resource %s with %d records. Required scopes: %s.",
				resource, count, strings.Join(scopeManifest[resource], ", ")),
			DBType: "shopify",
		})
	}

	if len(docs) == 0 && len(failed) > 0 {
		return nil, faults.New(faults.BackendUnreachable, "could not introspect any shopify resource")
	}
	if len(failed) > 0 {
		return docs, faults.New(faults.PartialIntrospection,
			fmt.Sprintf("introspected %d of %d resources", len(docs), len(shopifyResources)))
	}
	return docs, nil
}

func (a *ShopifyAdapter) resourceCount(ctx context.Context, resource string) (int64, error) {
	body, err := a.call(ctx, http.MethodGet, resource+"/count", nil)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, err
	}
	return parsed.Count, nil
}

func (a *ShopifyAdapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := a.call(ctx, http.MethodGet, "shop", nil)
	return err == nil
}

func (a *ShopifyAdapter) Close() error {
	return nil
}

var _ Adapter = (*ShopifyAdapter)(nil)
