package config

import (
	"os"
	"strconv"
)

func envStr(target *string, key string) {
	if *target == "" {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}
}

func envInt(target *int, key string) {
	if *target == 0 {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*target = n
			}
		}
	}
}

func envIntPtr(target **int, key string) {
	if *target == nil {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*target = &n
			}
		}
	}
}

func envBool(target *bool, key string) {
	if !*target {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*target = b
			}
		}
	}
}

// applyEnvOverlay fills empty config fields from section-prefixed
// environment variables (POSTGRES_HOST, QDRANT_API_KEY, ...). File values
// always win: only zero fields are filled.
func applyEnvOverlay(cfg *Config) {
	envStr(&cfg.DefaultDatabase, "DEFAULT_DATABASE")
	envStr(&cfg.LogLevel, "LOG_LEVEL")

	if cfg.Postgres == nil && os.Getenv("POSTGRES_HOST") != "" {
		cfg.Postgres = &PostgresConfig{}
	}
	if cfg.Postgres != nil {
		envStr(&cfg.Postgres.URI, "POSTGRES_URI")
		envStr(&cfg.Postgres.Host, "POSTGRES_HOST")
		envInt(&cfg.Postgres.Port, "POSTGRES_PORT")
		envStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
		envStr(&cfg.Postgres.User, "POSTGRES_USER")
		envStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
		envStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	}

	if cfg.MongoDB == nil && os.Getenv("MONGODB_HOST") != "" {
		cfg.MongoDB = &MongoConfig{}
	}
	if cfg.MongoDB != nil {
		envStr(&cfg.MongoDB.URI, "MONGODB_URI")
		envStr(&cfg.MongoDB.Host, "MONGODB_HOST")
		envInt(&cfg.MongoDB.Port, "MONGODB_PORT")
		envStr(&cfg.MongoDB.Database, "MONGODB_DATABASE")
		envStr(&cfg.MongoDB.User, "MONGODB_USER")
		envStr(&cfg.MongoDB.Password, "MONGODB_PASSWORD")
		envStr(&cfg.MongoDB.AuthSource, "MONGODB_AUTH_SOURCE")
	}

	if cfg.Qdrant == nil && os.Getenv("QDRANT_HOST") != "" {
		cfg.Qdrant = &QdrantConfig{}
	}
	if cfg.Qdrant != nil {
		envStr(&cfg.Qdrant.Host, "QDRANT_HOST")
		envInt(&cfg.Qdrant.Port, "QDRANT_PORT")
		envStr(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")
		envStr(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
		envBool(&cfg.Qdrant.PreferGRPC, "QDRANT_PREFER_GRPC")
		envInt(&cfg.Qdrant.GRPCPort, "QDRANT_GRPC_PORT")
	}

	if cfg.Slack == nil && os.Getenv("SLACK_MCP_URL") != "" {
		cfg.Slack = &SlackConfig{}
	}
	if cfg.Slack != nil {
		envStr(&cfg.Slack.MCPURL, "SLACK_MCP_URL")
		envIntPtr(&cfg.Slack.HistoryDays, "SLACK_HISTORY_DAYS")
		envInt(&cfg.Slack.UpdateFrequencyHours, "SLACK_UPDATE_FREQUENCY")
		envStr(&cfg.Slack.ClientID, "SLACK_CLIENT_ID")
		envStr(&cfg.Slack.ClientSecret, "SLACK_CLIENT_SECRET")
		envStr(&cfg.Slack.RedirectURL, "SLACK_REDIRECT_URL")
	}

	if cfg.Shopify == nil && os.Getenv("SHOPIFY_APP_URL") != "" {
		cfg.Shopify = &ShopifyConfig{}
	}
	if cfg.Shopify != nil {
		envStr(&cfg.Shopify.AppURL, "SHOPIFY_APP_URL")
		envStr(&cfg.Shopify.APIVersion, "SHOPIFY_API_VERSION")
		envStr(&cfg.Shopify.ClientID, "SHOPIFY_CLIENT_ID")
		envStr(&cfg.Shopify.ClientSecret, "SHOPIFY_CLIENT_SECRET")
		envStr(&cfg.Shopify.WebhookSecret, "SHOPIFY_WEBHOOK_SECRET")
	}

	if cfg.GA4 == nil && os.Getenv("GA4_PROPERTY_ID") != "" {
		cfg.GA4 = &GA4Config{}
	}
	if cfg.GA4 != nil {
		envStr(&cfg.GA4.PropertyID, "GA4_PROPERTY_ID")
		envStr(&cfg.GA4.KeyFile, "GA4_KEY_FILE")
	}

	if cfg.VectorDB == nil {
		cfg.VectorDB = &VectorDBConfig{}
	}
	envStr(&cfg.VectorDB.Host, "VECTOR_DB_HOST")
	envInt(&cfg.VectorDB.GRPCPort, "VECTOR_DB_GRPC_PORT")
	envStr(&cfg.VectorDB.APIKey, "VECTOR_DB_API_KEY")
	envStr(&cfg.VectorDB.EmbeddingModel, "VECTOR_DB_EMBEDDING_MODEL")
	envStr(&cfg.VectorDB.EmbeddingKey, "VECTOR_DB_EMBEDDING_KEY")
	envInt(&cfg.VectorDB.Dimension, "VECTOR_DB_DIMENSION")

	if cfg.TrivialLLM == nil {
		cfg.TrivialLLM = &LLMConfig{}
	}
	envStr(&cfg.TrivialLLM.Model, "TRIVIAL_LLM_MODEL")
	envStr(&cfg.TrivialLLM.APIKey, "TRIVIAL_LLM_API_KEY")
	envStr(&cfg.TrivialLLM.Host, "TRIVIAL_LLM_HOST")

	if cfg.SSO == nil && os.Getenv("SSO_JWT_SECRET") != "" {
		cfg.SSO = &SSOConfig{}
	}
	if cfg.SSO != nil {
		envStr(&cfg.SSO.IssuerURL, "SSO_ISSUER_URL")
		envStr(&cfg.SSO.ClientID, "SSO_CLIENT_ID")
		envStr(&cfg.SSO.JWTSecret, "SSO_JWT_SECRET")
	}
}
