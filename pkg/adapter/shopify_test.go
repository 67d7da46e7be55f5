package adapter

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/config"
	"github.com/databridge-io/databridge/pkg/faults"
)

type stubTokens struct {
	token  string
	scopes []string
}

func (s *stubTokens) AccessToken(shop string) (string, error) { return s.token, nil }
func (s *stubTokens) GrantedScopes(shop string) []string      { return s.scopes }

func newTestShopify(t *testing.T, scopes []string) *ShopifyAdapter {
	t.Helper()
	cfg := &config.ShopifyConfig{
		AppURL:        "https://acme.myshopify.com",
		WebhookSecret: "whsec",
	}
	cfg.SetDefaults()
	a, err := NewShopifyAdapter(cfg, &stubTokens{token: "shpat_x", scopes: scopes}, nil)
	require.NoError(t, err)
	return a
}

func TestParseShopifyInputSQL(t *testing.T) {
	q, err := ParseShopifyInput("SELECT * FROM products LIMIT 25")
	require.NoError(t, err)
	assert.Equal(t, "products", q.Endpoint)
	assert.Equal(t, "GET", q.Method)
	assert.Equal(t, "25", q.Params["limit"])
}

func TestParseShopifyInputSQLWithWhere(t *testing.T) {
	q, err := ParseShopifyInput("SELECT * FROM orders WHERE status = 'open' LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, "orders", q.Endpoint)
	assert.Equal(t, "open", q.Params["status"])
	assert.Equal(t, "10", q.Params["limit"])
}

func TestParseShopifyInputBareResource(t *testing.T) {
	q, err := ParseShopifyInput("customers")
	require.NoError(t, err)
	assert.Equal(t, "customers", q.Endpoint)
	assert.Equal(t, "GET", q.Method)
}

func TestNormalizeShopifyQueryLegacyPath(t *testing.T) {
	q, err := NormalizeShopifyQuery(&ShopifyQuery{
		Endpoint: "/admin/api/2023-10/products.json",
		Method:   "get",
	})
	require.NoError(t, err)
	assert.Equal(t, "products", q.Endpoint)
	assert.Equal(t, "GET", q.Method)
}

func TestNormalizeShopifyQueryUnknownResource(t *testing.T) {
	_, err := NormalizeShopifyQuery(&ShopifyQuery{Endpoint: "secrets"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestNormalizeShopifyQueryRejectsDelete(t *testing.T) {
	_, err := NormalizeShopifyQuery(&ShopifyQuery{Endpoint: "products", Method: "DELETE"})
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.QueryInvalid))
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestShopify(t, nil)
	payload := []byte(`{"id": 42}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.True(t, a.VerifyWebhook(payload, signature))
	assert.False(t, a.VerifyWebhook(payload, "forged"))
	assert.False(t, a.VerifyWebhook([]byte(`{"id": 43}`), signature))
}

func TestVerifyWebhookNoSecret(t *testing.T) {
	cfg := &config.ShopifyConfig{AppURL: "acme.myshopify.com"}
	cfg.SetDefaults()
	a, err := NewShopifyAdapter(cfg, &stubTokens{}, nil)
	require.NoError(t, err)
	assert.False(t, a.VerifyWebhook([]byte("x"), "sig"))
}

func TestProcessWebhook(t *testing.T) {
	a := newTestShopify(t, nil)
	event, err := a.ProcessWebhook("orders/updated", []byte(`{"id": 987654, "updated_at": "2026-08-20T10:00:00Z", "total_price": "19.99"}`))
	require.NoError(t, err)

	assert.Equal(t, "orders/updated", event.Type)
	assert.Equal(t, "987654", event.ID)
	assert.Equal(t, "acme.myshopify.com", event.ShopDomain)
	assert.Equal(t, "2026-08-20T10:00:00Z", event.UpdatedAt)
	assert.Equal(t, "19.99", event.Data["total_price"])
}

func TestProcessWebhookBadBody(t *testing.T) {
	a := newTestShopify(t, nil)
	_, err := a.ProcessWebhook("orders/updated", []byte("not json"))
	require.Error(t, err)
}

func TestAvailableScopes(t *testing.T) {
	a := newTestShopify(t, []string{"read_products", "read_orders"})
	diff := a.AvailableScopes()

	assert.Contains(t, diff.Granted, "read_products")
	assert.Contains(t, diff.Requested, "read_customers")
	assert.Contains(t, diff.Missing, "read_customers")
	assert.NotContains(t, diff.Missing, "read_products")
	assert.NotContains(t, diff.Missing, "read_orders")
}

func TestNormalizeShopDomain(t *testing.T) {
	shop, err := normalizeShopDomain("acme.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "acme.myshopify.com", shop)

	shop, err = normalizeShopDomain("https://acme.myshopify.com/admin")
	require.NoError(t, err)
	assert.Equal(t, "acme.myshopify.com", shop)

	_, err = normalizeShopDomain("")
	require.Error(t, err)
}
