package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databridge-io/databridge/pkg/adapter"
	"github.com/databridge-io/databridge/pkg/faults"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := deriveKey("secret")

	sealed, err := seal(key, "shpat_token_value")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "shpat")

	plain, err := open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "shpat_token_value", plain)

	// A different secret cannot decrypt.
	_, err = open(deriveKey("other"), sealed)
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestShopifyStorePlaintextNeverOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewShopifyStore(dir, "client-secret")
	require.NoError(t, err)

	require.NoError(t, store.Save("acme.myshopify.com", "shpat_super_secret",
		[]string{"read_products"}, []string{"read_products", "read_orders"}))

	raw, err := os.ReadFile(filepath.Join(dir, shopifyCredentialsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "shpat_super_secret")

	info, err := os.Stat(filepath.Join(dir, shopifyCredentialsFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	token, err := store.AccessToken("acme.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "shpat_super_secret", token)
	assert.Equal(t, []string{"read_products"}, store.GrantedScopes("acme.myshopify.com"))
	assert.Equal(t, []string{"read_products", "read_orders"}, store.RequestedScopes("acme.myshopify.com"))
}

func TestShopifyStoreReloadAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	store, err := NewShopifyStore(dir, "s")
	require.NoError(t, err)
	require.NoError(t, store.Save("acme.myshopify.com", "tok", nil, nil))

	reloaded, err := NewShopifyStore(dir, "s")
	require.NoError(t, err)
	token, err := reloaded.AccessToken("acme.myshopify.com")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)
}

func TestShopifyStoreLegacyScopeUpgrade(t *testing.T) {
	dir := t.TempDir()
	key := deriveKey("s")
	sealed, err := seal(key, "tok")
	require.NoError(t, err)

	legacy := map[string]any{
		"acme.myshopify.com": map[string]any{
			"access_token": sealed,
			"scopes":       []string{"read_products"},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, shopifyCredentialsFile), raw, 0o600))

	store, err := NewShopifyStore(dir, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"read_products"}, store.GrantedScopes("acme.myshopify.com"))
	assert.Equal(t, []string{"read_products"}, store.RequestedScopes("acme.myshopify.com"))

	// The upgrade is persisted.
	raw, err = os.ReadFile(filepath.Join(dir, shopifyCredentialsFile))
	require.NoError(t, err)
	var onDisk map[string]shopifyRecord
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Empty(t, onDisk["acme.myshopify.com"].Scopes)
	assert.Equal(t, []string{"read_products"}, onDisk["acme.myshopify.com"].GrantedScopes)
}

func TestShopifyStoreMissingShop(t *testing.T) {
	store, err := NewShopifyStore(t.TempDir(), "s")
	require.NoError(t, err)

	_, err = store.AccessToken("nobody.myshopify.com")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestShopifyStoreImplementsTokenSource(t *testing.T) {
	store, err := NewShopifyStore(t.TempDir(), "s")
	require.NoError(t, err)
	var _ adapter.TokenSource = store
}

func TestSlackStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSlackStore(dir, "s")
	require.NoError(t, err)

	require.NoError(t, store.Save(SlackWorkspace{
		TeamID:   "T123",
		TeamName: "acme",
		BotToken: "xoxb-secret",
	}))

	raw, err := os.ReadFile(filepath.Join(dir, slackCredentialsFile))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "xoxb-secret")

	token, err := store.BotToken("T123")
	require.NoError(t, err)
	assert.Equal(t, "xoxb-secret", token)

	ws, ok := store.Workspace("T123")
	require.True(t, ok)
	assert.Equal(t, "acme", ws.TeamName)
	assert.Empty(t, ws.BotToken)
}

func TestTokenMintAndVerify(t *testing.T) {
	minter, err := NewTokenMinter("signing-secret")
	require.NoError(t, err)

	token, err := minter.Mint("U1", "T123")
	require.NoError(t, err)

	userID, err := minter.Verify(token, "T123")
	require.NoError(t, err)
	assert.Equal(t, "U1", userID)
}

func TestTokenRejectsWorkspaceMismatch(t *testing.T) {
	minter, err := NewTokenMinter("signing-secret")
	require.NoError(t, err)

	token, err := minter.Mint("U1", "T123")
	require.NoError(t, err)

	_, err = minter.Verify(token, "T999")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestTokenExpires(t *testing.T) {
	minter, err := NewTokenMinter("signing-secret")
	require.NoError(t, err)

	issued := time.Now().Add(-2 * time.Hour)
	minter.now = func() time.Time { return issued }
	token, err := minter.Mint("U1", "T123")
	require.NoError(t, err)

	minter.now = time.Now
	_, err = minter.Verify(token, "T123")
	require.Error(t, err)
	assert.True(t, faults.IsKind(err, faults.AuthExpired))
}

func TestTokenRejectsTampering(t *testing.T) {
	minter, err := NewTokenMinter("signing-secret")
	require.NoError(t, err)
	other, err := NewTokenMinter("different-secret")
	require.NoError(t, err)

	token, err := other.Mint("U1", "T123")
	require.NoError(t, err)

	_, err = minter.Verify(token, "T123")
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore()

	session, err := store.Create()
	require.NoError(t, err)
	assert.Len(t, session.ID, sessionIDBytes*2)
	assert.Len(t, session.CSRF, csrfTokenBytes*2)

	require.NoError(t, store.Complete(session.ID, session.CSRF, "T123", "U1"))

	got, ok := store.Get(session.ID)
	require.True(t, ok)
	assert.True(t, got.Completed)
	assert.Equal(t, "T123", got.TeamID)

	store.Delete(session.ID)
	_, ok = store.Get(session.ID)
	assert.False(t, ok)
}

func TestSessionCSRFMismatch(t *testing.T) {
	store := NewSessionStore()
	session, err := store.Create()
	require.NoError(t, err)

	err = store.Complete(session.ID, strings.Repeat("0", csrfTokenBytes*2), "T123", "U1")
	require.Error(t, err)
}

func TestSessionExpirySweep(t *testing.T) {
	store := NewSessionStore()
	current := time.Now()
	store.now = func() time.Time { return current }

	session, err := store.Create()
	require.NoError(t, err)

	current = current.Add(31 * time.Minute)
	_, ok := store.Get(session.ID)
	assert.False(t, ok)
}
