package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/databridge-io/databridge/pkg/faults"
)

const (
	shopifyCredentialsFile = "shopify_credentials.json"
	credentialsFileMode    = 0o600
)

// DefaultDir resolves the on-disk credential directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".data-connector"
	}
	return filepath.Join(home, ".data-connector")
}

// shopifyRecord is the persisted shape for one shop. AccessToken is
// sealed; plaintext never touches disk.
type shopifyRecord struct {
	AccessToken     string   `json:"access_token"`
	GrantedScopes   []string `json:"granted_scopes"`
	RequestedScopes []string `json:"requested_scopes"`

	// Scopes is the legacy single-list field written before granted and
	// requested were tracked separately. Upgraded on load.
	Scopes []string `json:"scopes,omitempty"`
}

// ShopifyStore persists per-shop Admin API credentials.
type ShopifyStore struct {
	mu   sync.Mutex
	dir  string
	key  []byte
	data map[string]*shopifyRecord
}

// NewShopifyStore loads (or initializes) the store under dir, sealing
// tokens with a key derived from secret.
func NewShopifyStore(dir, secret string) (*ShopifyStore, error) {
	if secret == "" {
		return nil, faults.New(faults.ConfigInvalid, "credential store requires an encryption secret").
			WithRemediation("set SHOPIFY_API_SECRET or the credentials.secret config key")
	}
	if dir == "" {
		dir = DefaultDir()
	}

	s := &ShopifyStore{
		dir:  dir,
		key:  deriveKey(secret),
		data: make(map[string]*shopifyRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ShopifyStore) path() string {
	return filepath.Join(s.dir, shopifyCredentialsFile)
}

func (s *ShopifyStore) load() error {
	raw, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return faults.Wrap(faults.ConfigInvalid, "cannot read shopify credentials", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return faults.Wrap(faults.ConfigInvalid, "shopify credentials file is corrupt", err)
	}

	// Upgrade legacy records that predate the granted/requested split.
	upgraded := false
	for _, record := range s.data {
		if len(record.Scopes) > 0 && len(record.GrantedScopes) == 0 {
			record.GrantedScopes = record.Scopes
			record.RequestedScopes = record.Scopes
			record.Scopes = nil
			upgraded = true
		}
	}
	if upgraded {
		return s.persist()
	}
	return nil
}

func (s *ShopifyStore) persist() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return faults.Wrap(faults.Internal, "cannot create credential directory", err)
	}

	encoded, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return faults.Wrap(faults.Internal, "cannot encode credentials", err)
	}
	if err := os.WriteFile(s.path(), encoded, credentialsFileMode); err != nil {
		return faults.Wrap(faults.Internal, "cannot write credentials", err)
	}
	return nil
}

// Save seals and stores the access token and scope lists for a shop.
func (s *ShopifyStore) Save(shop, accessToken string, granted, requested []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := seal(s.key, accessToken)
	if err != nil {
		return err
	}
	s.data[shop] = &shopifyRecord{
		AccessToken:     sealed,
		GrantedScopes:   granted,
		RequestedScopes: requested,
	}
	return s.persist()
}

// AccessToken returns the plaintext token for a shop.
func (s *ShopifyStore) AccessToken(shop string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data[shop]
	if !ok {
		return "", faults.New(faults.AuthExpired, fmt.Sprintf("no credentials stored for shop %s", shop)).
			WithRemediation("run the Shopify OAuth flow for this shop")
	}
	return open(s.key, record.AccessToken)
}

// GrantedScopes returns the scopes the shop actually granted.
func (s *ShopifyStore) GrantedScopes(shop string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data[shop]
	if !ok {
		return nil
	}
	return append([]string(nil), record.GrantedScopes...)
}

// RequestedScopes returns the scopes the app asked for.
func (s *ShopifyStore) RequestedScopes(shop string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.data[shop]
	if !ok {
		return nil
	}
	return append([]string(nil), record.RequestedScopes...)
}

// Delete removes a shop's credentials.
func (s *ShopifyStore) Delete(shop string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, shop)
	return s.persist()
}

// Shops lists shops with stored credentials.
func (s *ShopifyStore) Shops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.data))
	for shop := range s.data {
		out = append(out, shop)
	}
	return out
}
