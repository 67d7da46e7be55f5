// Package config loads and validates gateway configuration.
//
// Configuration comes from a YAML file searched along a well-known chain
// ($DATA_CONNECTOR_CONFIG, ./config.yaml, ~/.data-connector/config.yaml),
// overlaid on section-prefixed environment variables. File keys take
// precedence over environment values.
package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Config is the root configuration document.
type Config struct {
	DefaultDatabase string `yaml:"default_database"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`

	Postgres *PostgresConfig `yaml:"postgres"`
	MongoDB  *MongoConfig    `yaml:"mongodb"`
	Qdrant   *QdrantConfig   `yaml:"qdrant"`
	Slack    *SlackConfig    `yaml:"slack"`
	Shopify  *ShopifyConfig  `yaml:"shopify"`
	GA4      *GA4Config      `yaml:"ga4"`
	VectorDB *VectorDBConfig `yaml:"vector_db"`

	SSO          *SSOConfig          `yaml:"sso"`
	RoleMappings map[string][]string `yaml:"role_mappings"`
	TrivialLLM   *LLMConfig          `yaml:"trivial_llm"`

	Server *ServerConfig `yaml:"server"`
}

// PostgresConfig configures the relational adapter.
type PostgresConfig struct {
	URI      string `yaml:"uri"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (c *PostgresConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.SSLMode == "" {
		c.SSLMode = "prefer"
	}
}

// ConnectionURI returns the explicit URI when set, otherwise one composed
// from the individual fields.
func (c *PostgresConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	u := &url.URL{
		Scheme: "postgresql",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// MongoConfig configures the document adapter.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	AuthSource string `yaml:"auth_source"`
}

func (c *MongoConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 27017
	}
}

func (c *MongoConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	u := &url.URL{
		Scheme: "mongodb",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.AuthSource != "" {
		q := url.Values{}
		q.Set("authSource", c.AuthSource)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// QdrantConfig configures the vector adapter.
type QdrantConfig struct {
	URI        string `yaml:"uri"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	APIKey     string `yaml:"api_key"`
	PreferGRPC bool   `yaml:"prefer_grpc"`
	GRPCPort   int    `yaml:"grpc_port"`
	UseTLS     bool   `yaml:"use_tls"`
}

func (c *QdrantConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 6334
	}
	if c.Collection == "" {
		c.Collection = "documents"
	}
}

func (c *QdrantConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	return fmt.Sprintf("qdrant://%s:%d/%s", c.Host, c.Port, c.Collection)
}

// SlackConfig configures the workspace-chat adapter and the indexer.
type SlackConfig struct {
	MCPURL string `yaml:"mcp_url"`
	// HistoryDays is a pointer so an explicit 0 (keep no history) is
	// distinguishable from an absent key (30-day default).
	HistoryDays           *int   `yaml:"history_days"`
	UpdateFrequencyHours  int    `yaml:"update_frequency"`
	MaxMessagesPerChannel int    `yaml:"max_messages_per_channel"`
	EmbeddingModel        string `yaml:"embedding_model"`
	WorkspaceDBPath       string `yaml:"workspace_db_path"`
	ClientID              string `yaml:"client_id"`
	ClientSecret          string `yaml:"client_secret"`
	RedirectURL           string `yaml:"redirect_url"`
}

func (c *SlackConfig) SetDefaults() {
	if c.HistoryDays == nil {
		days := 30
		c.HistoryDays = &days
	}
	if c.UpdateFrequencyHours == 0 {
		c.UpdateFrequencyHours = 1
	}
	if c.MaxMessagesPerChannel == 0 {
		// Per-channel safety valve carried over from the original pipeline.
		c.MaxMessagesPerChannel = 1000
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
}

// ShopifyConfig configures the e-commerce adapter and its OAuth surface.
type ShopifyConfig struct {
	AppURL        string `yaml:"app_url"`
	APIVersion    string `yaml:"api_version"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
}

func (c *ShopifyConfig) SetDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "2024-07"
	}
}

// GA4Config configures the analytics adapter.
type GA4Config struct {
	PropertyID string   `yaml:"property_id"`
	KeyFile    string   `yaml:"key_file"`
	Scopes     []string `yaml:"scopes"`
}

func (c *GA4Config) SetDefaults() {
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"https://www.googleapis.com/auth/analytics.readonly"}
	}
}

func (c *GA4Config) ConnectionURI() string {
	return "ga4://" + c.PropertyID
}

// VectorDBConfig configures the vector store backing the Slack index and
// the schema searcher.
type VectorDBConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	GRPCPort       int    `yaml:"grpc_port"`
	APIKey         string `yaml:"api_key"`
	UseTLS         bool   `yaml:"use_tls"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingHost  string `yaml:"embedding_host"`
	EmbeddingKey   string `yaml:"embedding_key"`
	Dimension      int    `yaml:"dimension"`
}

func (c *VectorDBConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.GRPCPort == 0 {
		c.GRPCPort = 6334
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
}

// SSOConfig configures the identity integration. Identity itself is owned
// by the external provider; the gateway only validates and mints tokens.
type SSOConfig struct {
	IssuerURL string `yaml:"issuer_url"`
	ClientID  string `yaml:"client_id"`
	JWTSecret string `yaml:"jwt_secret"`
	TokenTTL  int    `yaml:"token_ttl_seconds"`
}

func (c *SSOConfig) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = 3600
	}
}

// LLMConfig configures a text-generation provider.
type LLMConfig struct {
	Type        string  `yaml:"type"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"`
	MaxRetries  int     `yaml:"max_retries"`
	RetryDelay  int     `yaml:"retry_delay"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Host == "" {
		c.Host = "https://api.openai.com/v1"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 1
	}
}

// ServerConfig configures the HTTP surfaces.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	MaxQueryTimeout int    `yaml:"max_query_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxQueryTimeout == 0 {
		c.MaxQueryTimeout = 60
	}
}

// SetDefaults applies defaults to every present section.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Postgres != nil {
		c.Postgres.SetDefaults()
	}
	if c.MongoDB != nil {
		c.MongoDB.SetDefaults()
	}
	if c.Qdrant != nil {
		c.Qdrant.SetDefaults()
	}
	if c.Slack != nil {
		c.Slack.SetDefaults()
	}
	if c.Shopify != nil {
		c.Shopify.SetDefaults()
	}
	if c.GA4 != nil {
		c.GA4.SetDefaults()
	}
	if c.VectorDB == nil {
		c.VectorDB = &VectorDBConfig{}
	}
	c.VectorDB.SetDefaults()
	if c.SSO != nil {
		c.SSO.SetDefaults()
	}
	if c.TrivialLLM == nil {
		c.TrivialLLM = &LLMConfig{}
	}
	c.TrivialLLM.SetDefaults()
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	c.Server.SetDefaults()
}

// Validate checks cross-field consistency. Failures here are fatal at
// startup (ConfigInvalid).
func (c *Config) Validate() error {
	if c.DefaultDatabase != "" {
		switch NormalizeDBType(c.DefaultDatabase) {
		case "postgres", "mongodb", "qdrant", "slack", "shopify", "ga4":
		default:
			return fmt.Errorf("unknown default_database %q", c.DefaultDatabase)
		}
	}
	if c.GA4 != nil && c.GA4.PropertyID == "" {
		return fmt.Errorf("ga4 section requires property_id")
	}
	if c.Shopify != nil && c.Shopify.AppURL == "" {
		return fmt.Errorf("shopify section requires app_url")
	}
	return nil
}

// NormalizeDBType lowercases a backend tag and folds synonyms
// (postgresql -> postgres, mongo -> mongodb).
func NormalizeDBType(dbType string) string {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql", "pg":
		return "postgres"
	case "mongo", "mongodb":
		return "mongodb"
	case "qdrant", "vector":
		return "qdrant"
	case "slack":
		return "slack"
	case "shopify":
		return "shopify"
	case "ga4", "googleanalytics", "google_analytics":
		return "ga4"
	default:
		return strings.ToLower(strings.TrimSpace(dbType))
	}
}
