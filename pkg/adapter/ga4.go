package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/httpclient"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/schema"
)

const (
	ga4DataEndpoint = "https://analyticsdata.googleapis.com/v1beta"
	googleTokenURL  = "https://oauth2.googleapis.com/token"
	ga4DefaultLimit = 100
	ga4DateFormat   = "2006-01-02"
)

// GA4Adapter is the analytics adapter variant.
type GA4Adapter struct {
	propertyID   string
	keyFile      string
	scopes       []string
	dataEndpoint string
	llm          *llm.Client
	searcher     *schema.Searcher
	http         *httpclient.Client
	logger       *slog.Logger

	// now is the clock used for relative date resolution.
	now func() time.Time

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewGA4Adapter creates an adapter for the configured property.
func NewGA4Adapter(cfg *config.GA4Config, llmClient *llm.Client, searcher *schema.Searcher) (*GA4Adapter, error) {
	if cfg.PropertyID == "" {
		return nil, faults.New(faults.ConfigInvalid, "ga4 property_id is required")
	}
	a := &GA4Adapter{
		propertyID:   cfg.PropertyID,
		keyFile:      cfg.KeyFile,
		scopes:       cfg.Scopes,
		dataEndpoint: ga4DataEndpoint,
		llm:          llmClient,
		searcher:     searcher,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithHeaderParser(httpclient.ParseGARateLimitHeaders),
		),
		logger: logger.GetLogger("adapter.ga4"),
		now:    time.Now,
	}
	if searcher != nil {
		searcher.RegisterSource("ga4", a.IntrospectSchema)
	}
	return a, nil
}

func (a *GA4Adapter) DBType() string { return "ga4" }

// ga4Translation is the JSON shape the model returns. date_ranges may be
// relative expressions resolved here.
type ga4Translation struct {
	Dimensions []string `json:"dimensions"`
	Metrics    []string `json:"metrics"`
	DateRanges []struct {
		StartDate string `json:"start_date,omitempty"`
		EndDate   string `json:"end_date,omitempty"`
		Relative  string `json:"relative,omitempty"`
	} `json:"date_ranges"`
	OrderBys []GA4OrderBy    `json:"order_bys,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Filters  json.RawMessage `json:"filters,omitempty"`
}

func (a *GA4Adapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	schemaContext := opts.SchemaChunks
	if schemaContext == "" && a.searcher != nil {
		docs, err := a.searcher.Search(ctx, question, 5, "ga4")
		if err != nil {
			a.logger.Warn("schema retrieval failed, translating without context", "error", err)
		} else {
			schemaContext = schema.FormatChunks(docs)
		}
	}

	raw, err := a.llm.GenerateGA4Query(ctx, question, schemaContext)
	if err != nil {
		return nil, err
	}

	var parsed ga4Translation
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, faults.Wrap(faults.LLMParseError, "report request has unexpected shape", err).WithRaw(string(raw))
	}
	if len(parsed.Metrics) == 0 {
		return nil, faults.New(faults.LLMParseError, "report request names no metrics").WithRaw(string(raw))
	}

	query := &GA4Query{
		Dimensions: parsed.Dimensions,
		Metrics:    parsed.Metrics,
		OrderBys:   parsed.OrderBys,
		Limit:      parsed.Limit,
		Filters:    parsed.Filters,
	}
	for _, dr := range parsed.DateRanges {
		if dr.Relative != "" {
			query.DateRanges = append(query.DateRanges, a.resolveRelativeDates(dr.Relative))
		} else {
			query.DateRanges = append(query.DateRanges, GA4DateRange{StartDate: dr.StartDate, EndDate: dr.EndDate})
		}
	}
	if len(query.DateRanges) == 0 {
		query.DateRanges = append(query.DateRanges, a.resolveRelativeDates("last 7 days"))
	}
	return &Query{Kind: KindGA4Report, GA4: query}, nil
}

// resolveRelativeDates turns a relative expression into concrete dates
// using the server clock. Unknown expressions fall back to the last
// 7 days with a warning.
func (a *GA4Adapter) resolveRelativeDates(relative string) GA4DateRange {
	today := a.now().Truncate(24 * time.Hour)
	switch strings.ToLower(strings.TrimSpace(relative)) {
	case "yesterday":
		d := today.AddDate(0, 0, -1)
		return GA4DateRange{StartDate: d.Format(ga4DateFormat), EndDate: d.Format(ga4DateFormat)}
	case "last 7 days":
		return GA4DateRange{
			StartDate: today.AddDate(0, 0, -7).Format(ga4DateFormat),
			EndDate:   today.AddDate(0, 0, -1).Format(ga4DateFormat),
		}
	case "last 30 days":
		return GA4DateRange{
			StartDate: today.AddDate(0, 0, -30).Format(ga4DateFormat),
			EndDate:   today.AddDate(0, 0, -1).Format(ga4DateFormat),
		}
	case "this month":
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return GA4DateRange{StartDate: first.Format(ga4DateFormat), EndDate: today.Format(ga4DateFormat)}
	case "last month":
		firstOfThis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		firstOfLast := firstOfThis.AddDate(0, -1, 0)
		lastOfLast := firstOfThis.AddDate(0, 0, -1)
		return GA4DateRange{StartDate: firstOfLast.Format(ga4DateFormat), EndDate: lastOfLast.Format(ga4DateFormat)}
	default:
		a.logger.Warn("unknown relative date expression, defaulting to last 7 days", "expression", relative)
		return a.resolveRelativeDates("last 7 days")
	}
}

func (a *GA4Adapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindGA4Report || query.GA4 == nil {
		return nil, faults.New(faults.QueryInvalid, "ga4 adapter requires a report query")
	}
	q := query.GA4

	body := map[string]any{
		"metrics":    namedEntries(q.Metrics),
		"dateRanges": dateRangeEntries(q.DateRanges),
	}
	if len(q.Dimensions) > 0 {
		body["dimensions"] = namedEntries(q.Dimensions)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = ga4DefaultLimit
	}
	body["limit"] = limit
	if len(q.OrderBys) > 0 {
		body["orderBys"] = orderByEntries(q.OrderBys)
	}
	if len(q.Filters) > 0 {
		body["dimensionFilter"] = json.RawMessage(q.Filters)
	}

	path := fmt.Sprintf("%s/properties/%s:runReport", a.dataEndpoint, a.propertyID)
	respBody, err := a.call(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}

	var report struct {
		DimensionHeaders []struct {
			Name string `json:"name"`
		} `json:"dimensionHeaders"`
		MetricHeaders []struct {
			Name string `json:"name"`
		} `json:"metricHeaders"`
		Rows []struct {
			DimensionValues []struct {
				Value string `json:"value"`
			} `json:"dimensionValues"`
			MetricValues []struct {
				Value string `json:"value"`
			} `json:"metricValues"`
		} `json:"rows"`
	}
	if err := json.Unmarshal(respBody, &report); err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "ga4 returned malformed JSON", err)
	}

	results := make([]Row, 0, len(report.Rows))
	for _, row := range report.Rows {
		out := make(Row, len(report.DimensionHeaders)+len(report.MetricHeaders))
		for i, header := range report.DimensionHeaders {
			if i < len(row.DimensionValues) {
				out[header.Name] = row.DimensionValues[i].Value
			}
		}
		for i, header := range report.MetricHeaders {
			if i < len(row.MetricValues) {
				out[header.Name] = row.MetricValues[i].Value
			}
		}
		results = append(results, out)
	}
	return results, nil
}

func namedEntries(names []string) []map[string]string {
	out := make([]map[string]string, len(names))
	for i, name := range names {
		out[i] = map[string]string{"name": name}
	}
	return out
}

func dateRangeEntries(ranges []GA4DateRange) []map[string]string {
	out := make([]map[string]string, len(ranges))
	for i, r := range ranges {
		out[i] = map[string]string{"startDate": r.StartDate, "endDate": r.EndDate}
	}
	return out
}

func orderByEntries(orderBys []GA4OrderBy) []map[string]any {
	out := make([]map[string]any, 0, len(orderBys))
	for _, ob := range orderBys {
		entry := map[string]any{"desc": ob.Desc}
		if ob.Metric != "" {
			entry["metric"] = map[string]string{"metricName": ob.Metric}
		} else if ob.Dimension != "" {
			entry["dimension"] = map[string]string{"dimensionName": ob.Dimension}
		} else {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// IntrospectSchema pulls the property metadata and emits one document
// per dimension and metric plus an overview.
func (a *GA4Adapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	path := fmt.Sprintf("%s/properties/%s/metadata", a.dataEndpoint, a.propertyID)
	body, err := a.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var metadata struct {
		Dimensions []struct {
			APIName     string `json:"apiName"`
			UIName      string `json:"uiName"`
			Description string `json:"description"`
		} `json:"dimensions"`
		Metrics []struct {
			APIName     string `json:"apiName"`
			UIName      string `json:"uiName"`
			Description string `json:"description"`
		} `json:"metrics"`
	}
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "ga4 metadata is malformed", err)
	}

	docs := make([]schema.SchemaDocument, 0, len(metadata.Dimensions)+len(metadata.Metrics)+1)
	docs = append(docs, schema.SchemaDocument{
		ID: "ga4:overview",
		Content: fmt.Sprintf("GA4 property %s exposing %d dimensions and %d metrics for reporting.",
			a.propertyID, len(metadata.Dimensions), len(metadata.Metrics)),
		DBType: "ga4",
	})
	for _, dim := range metadata.Dimensions {
		docs = append(docs, schema.SchemaDocument{
			ID:      "dimension:" + dim.APIName,
			Content: fmt.Sprintf("Dimension %s (%s): %s", dim.APIName, dim.UIName, dim.Description),
			DBType:  "ga4",
		})
	}
	for _, metric := range metadata.Metrics {
		docs = append(docs, schema.SchemaDocument{
			ID:      "metric:" + metric.APIName,
			Content: fmt.Sprintf("Metric %s (%s): %s", metric.APIName, metric.UIName, metric.Description),
			DBType:  "ga4",
		})
	}
	return docs, nil
}

func (a *GA4Adapter) call(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	token, err := a.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode report request: %w", err)
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build ga4 request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if resp == nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "ga4 is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.BackendUnreachable, "failed to read ga4 response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.New(faults.AuthExpired, "ga4 rejected the service account token").
			WithRemediation("check the ga4 key_file and grant the service account access to the property")
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.QuotaExceeded, "ga4 API quota exceeded")
	case resp.StatusCode == http.StatusBadRequest:
		return nil, faults.New(faults.QueryInvalid,
			fmt.Sprintf("ga4 rejected the report request: %s", strings.TrimSpace(string(respBody))))
	case resp.StatusCode != http.StatusOK:
		return nil, faults.New(faults.BackendUnreachable,
			fmt.Sprintf("ga4 returned status %d", resp.StatusCode))
	}
	return respBody, nil
}

type serviceAccountKey struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// token returns a cached OAuth access token, minting a fresh one via a
// signed service-account assertion when expired.
func (a *GA4Adapter) token(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	if a.accessToken != "" && time.Until(a.tokenExpiry) > time.Minute {
		return a.accessToken, nil
	}

	raw, err := os.ReadFile(a.keyFile)
	if err != nil {
		return "", faults.Wrap(faults.ConfigInvalid, "cannot read ga4 key_file", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return "", faults.Wrap(faults.ConfigInvalid, "ga4 key_file is not a service account key", err)
	}

	assertion, err := a.signAssertion(key)
	if err != nil {
		return "", err
	}

	tokenURI := key.TokenURI
	if tokenURI == "" {
		tokenURI = googleTokenURL
	}
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.http.Do(req)
	if resp == nil {
		return "", faults.Wrap(faults.BackendUnreachable, "google token endpoint is unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Wrap(faults.BackendUnreachable, "failed to read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", faults.New(faults.AuthExpired,
			fmt.Sprintf("token exchange failed with status %d", resp.StatusCode)).
			WithRemediation("check the ga4 service account key and scopes")
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", faults.Wrap(faults.AuthExpired, "malformed token response", err)
	}

	a.accessToken = tokenResp.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return a.accessToken, nil
}

// signAssertion builds the RS256 service-account JWT for the token
// exchange.
func (a *GA4Adapter) signAssertion(key serviceAccountKey) (string, error) {
	privateKey, err := jwk.ParseKey([]byte(key.PrivateKey), jwk.WithPEM(true))
	if err != nil {
		return "", faults.Wrap(faults.ConfigInvalid, "ga4 key_file private key is invalid", err)
	}

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(key.ClientEmail).
		Audience([]string{googleTokenURL}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Claim("scope", strings.Join(a.scopes, " ")).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build assertion: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, privateKey))
	if err != nil {
		return "", faults.Wrap(faults.ConfigInvalid, "failed to sign ga4 assertion", err)
	}
	return string(signed), nil
}

func (a *GA4Adapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	path := fmt.Sprintf("%s/properties/%s/metadata", a.dataEndpoint, a.propertyID)
	_, err := a.call(ctx, http.MethodGet, path, nil)
	return err == nil
}

func (a *GA4Adapter) Close() error {
	return nil
}

var _ Adapter = (*GA4Adapter)(nil)
