package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
postgres:
  database: app
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Postgres.Host)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "prefer", cfg.Postgres.SSLMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Server.MaxQueryTimeout)
	assert.Equal(t, "text-embedding-3-small", cfg.VectorDB.EmbeddingModel)
	assert.Equal(t, "gpt-4o-mini", cfg.TrivialLLM.Model)
}

func TestLoadExpandsEnvPlaceholders(t *testing.T) {
	t.Setenv("TEST_PG_PASSWORD", "hunter2")
	path := writeConfig(t, `
postgres:
  database: app
  user: svc
  password: ${TEST_PG_PASSWORD}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}

func TestLoadPlaceholderDefaultValue(t *testing.T) {
	path := writeConfig(t, `
postgres:
  database: ${TEST_UNSET_DB:-fallback}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fallback", cfg.Postgres.Database)
}

func TestEnvOverlayFillsOnlyEmptyFields(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_DATABASE", "from_env")
	path := writeConfig(t, `
postgres:
  database: from_file
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	// File keys win; empty fields come from the environment.
	assert.Equal(t, "from_file", cfg.Postgres.Database)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
}

func TestEnvOverlayCreatesSection(t *testing.T) {
	t.Setenv("MONGODB_HOST", "mongo.internal")
	path := writeConfig(t, "log_level: debug\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.MongoDB)
	assert.Equal(t, "mongo.internal", cfg.MongoDB.Host)
	assert.Equal(t, 27017, cfg.MongoDB.Port)
}

func TestSlackHistoryDaysDefaultsTo30(t *testing.T) {
	path := writeConfig(t, "slack:\n  mcp_url: http://gw.internal\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Slack.HistoryDays)
	assert.Equal(t, 30, *cfg.Slack.HistoryDays)
}

func TestSlackHistoryDaysExplicitZeroKept(t *testing.T) {
	path := writeConfig(t, "slack:\n  mcp_url: http://gw.internal\n  history_days: 0\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	// 0 means keep no history; it must not be coerced to the default.
	require.NotNil(t, cfg.Slack.HistoryDays)
	assert.Equal(t, 0, *cfg.Slack.HistoryDays)
}

func TestPostgresConnectionURI(t *testing.T) {
	cfg := &PostgresConfig{Database: "app", User: "svc", Password: "p@ss word"}
	cfg.SetDefaults()

	uri := cfg.ConnectionURI()
	assert.Contains(t, uri, "postgresql://")
	assert.Contains(t, uri, "svc:p%40ss%20word@localhost:5432/app")
	assert.Contains(t, uri, "sslmode=prefer")
}

func TestExplicitURIWins(t *testing.T) {
	cfg := &PostgresConfig{URI: "postgresql://other:5432/x", Database: "ignored"}
	cfg.SetDefaults()
	assert.Equal(t, "postgresql://other:5432/x", cfg.ConnectionURI())
}

func TestMongoConnectionURIAuthSource(t *testing.T) {
	cfg := &MongoConfig{Database: "app", User: "svc", Password: "pw", AuthSource: "admin"}
	cfg.SetDefaults()

	uri := cfg.ConnectionURI()
	assert.Contains(t, uri, "mongodb://svc:pw@localhost:27017/app")
	assert.Contains(t, uri, "authSource=admin")
}

func TestNormalizeDBType(t *testing.T) {
	cases := map[string]string{
		"postgresql":       "postgres",
		"PG":               "postgres",
		"mongo":            "mongodb",
		"Vector":           "qdrant",
		"GoogleAnalytics":  "ga4",
		" slack ":          "slack",
		"something-else":   "something-else",
		"google_analytics": "ga4",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeDBType(in), in)
	}
}

func TestValidateRejectsUnknownDefault(t *testing.T) {
	path := writeConfig(t, "default_database: oracle\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_database")
}

func TestValidateRequiresGA4Property(t *testing.T) {
	path := writeConfig(t, "ga4:\n  key_file: key.json\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "property_id")
}

func TestValidateRequiresShopifyAppURL(t *testing.T) {
	path := writeConfig(t, "shopify:\n  api_version: \"2024-07\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app_url")
}
