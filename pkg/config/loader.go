package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// SearchChain returns the candidate config paths in resolution order:
// $DATA_CONNECTOR_CONFIG, ./config.yaml, ~/.data-connector/config.yaml.
func SearchChain() []string {
	var chain []string
	if env := os.Getenv("DATA_CONNECTOR_CONFIG"); env != "" {
		chain = append(chain, env)
	}
	chain = append(chain, "config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		chain = append(chain, filepath.Join(home, ".data-connector", "config.yaml"))
	}
	return chain
}

// AuthSearchChain is the analogous chain for auth-config.yaml.
func AuthSearchChain() []string {
	var chain []string
	if env := os.Getenv("DATA_CONNECTOR_AUTH_CONFIG"); env != "" {
		chain = append(chain, env)
	}
	chain = append(chain, "auth-config.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		chain = append(chain, filepath.Join(home, ".data-connector", "auth-config.yaml"))
	}
	return chain
}

func firstExisting(chain []string) (string, bool) {
	for _, path := range chain {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Load reads configuration from path, or from the search chain when path
// is empty. A missing file yields a config built purely from environment
// variables and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path, _ = firstExisting(SearchChain())
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	// File keys win over environment; only fill what the file left empty.
	applyEnvOverlay(cfg)

	if authPath, ok := firstExisting(AuthSearchChain()); ok {
		if err := mergeAuthConfig(cfg, authPath); err != nil {
			return nil, err
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeAuthConfig overlays sso and role_mappings from auth-config.yaml.
func mergeAuthConfig(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read auth config %s: %w", path, err)
	}

	authCfg := &Config{}
	if err := decodeYAML(data, authCfg); err != nil {
		return fmt.Errorf("failed to parse auth config %s: %w", path, err)
	}
	if authCfg.SSO != nil {
		cfg.SSO = authCfg.SSO
	}
	if authCfg.RoleMappings != nil {
		cfg.RoleMappings = authCfg.RoleMappings
	}
	return nil
}

func decodeYAML(data []byte, out *Config) error {
	var rawMap map[string]any
	if err := yaml.Unmarshal(data, &rawMap); err != nil {
		return err
	}
	expanded := expandEnvVars(rawMap)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(expanded)
}

// expandEnvVars recursively expands ${VAR} and ${VAR:-default} in a map.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-1]
		if idx := strings.Index(inner, ":-"); idx != -1 {
			if val := os.Getenv(inner[:idx]); val != "" {
				return val
			}
			return inner[idx+2:]
		}
		return os.Getenv(inner)
	})
}
