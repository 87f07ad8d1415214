package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Order of precedence (lowest to highest):
//  1. built-in defaults (defaults.go)
//  2. the YAML file at path (optional; missing file is not an error)
//  3. environment overrides for infrastructure and secrets
func Initialize(ctx context.Context, path string) (*Config, error) {
	cfg := NewDefaults()
	cfg.configPath = path

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			slog.InfoContext(ctx, "No config file found, using defaults", "path", path)
		case err != nil:
			return nil, NewLoadError(path, err)
		default:
			data = ExpandEnv(data)
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
			}
			if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
				return nil, NewLoadError(path, fmt.Errorf("merge failed: %w", err))
			}
			slog.InfoContext(ctx, "Loaded configuration file", "path", path)
		}
	}

	applyEnvOverrides(cfg)

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.InfoContext(ctx, "Configuration initialized",
		"server_port", cfg.Server.Port,
		"default_model", cfg.LLM.DefaultModel,
		"max_iterations", cfg.Agent.MaxIterations,
		"rate_limit", fmt.Sprintf("%d/%s", cfg.RateLimit.Requests, cfg.RateLimit.Window))

	return cfg, nil
}

// applyEnvOverrides reads infrastructure settings and secrets from the
// environment. YAML never carries credentials; these variables are the only
// way to set them.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "HTTP_HOST")
	setInt(&cfg.Server.Port, "HTTP_PORT")

	setString(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.Name, "DB_NAME")
	setString(&cfg.Database.SSLMode, "DB_SSLMODE")
	cfg.Database.User = getEnv("DB_USER", "parley")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")

	cfg.Auth.AccessTokenSecret = os.Getenv("ACCESS_TOKEN_SECRET")

	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.DefaultModel, "LLM_DEFAULT_MODEL")
	setDuration(&cfg.LLM.CallTimeout, "LLM_CALL_TIMEOUT")

	cfg.Tools.Weather.APIKey = os.Getenv("WEATHER_API_KEY")
	cfg.Tools.Search.APIKey = os.Getenv("SEARCH_API_KEY")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			slog.Warn("Ignoring unparseable duration override", "key", key, "value", v)
		}
	}
}
