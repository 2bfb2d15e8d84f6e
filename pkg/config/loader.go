package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at path, expands ${ENV} references, merges the
// result over the built-in defaults, and validates. This is the single entry
// point for configuration.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var fileCfg Config
	if err := yaml.Unmarshal([]byte(expanded), &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"path", path,
		"http_port", cfg.HTTPPort,
		"llm_endpoint", cfg.LLM.Endpoint,
		"filter_enabled", cfg.Filter.IsEnabled(),
		"notifications_enabled", cfg.Notifications.IsEnabled())
	return cfg, nil
}
