package config

import "time"

// NewDefaults returns the built-in configuration. YAML values are merged
// over this baseline, then environment overrides are applied.
func NewDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "parley",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 50,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  60 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			LoginCodeTTL:    5 * time.Minute,
		},
		LLM: LLMConfig{
			DefaultModel:   "qwen3-32b",
			ConnectTimeout: 5 * time.Second,
			CallTimeout:    300 * time.Second,
			MaxConns:       100,
			MaxIdleConns:   20,
			StreamBuffer:   64,
		},
		Agent: AgentConfig{
			MaxIterations:       50,
			TurnTimeout:         600 * time.Second,
			TitleMaxChars:       30,
			DefaultSystemPrompt: "You are a helpful assistant.",
			ClientCacheSize:     1024,
			ClientCacheTTL:      time.Hour,
			EventBuffer:         256,
		},
		Executor: ExecutorConfig{
			GracefulShutdownTimeout: 30 * time.Second,
			SweepInterval:           time.Minute,
			SweepStaleAfter:         15 * time.Minute,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      5 * time.Second,
			SendStallTimeout:  10 * time.Second,
		},
		Tools: ToolsConfig{
			CacheTTL: time.Hour,
			CacheTTLOverrides: map[string]time.Duration{
				// Search results are time-sensitive; a zero TTL keeps the
				// tool out of the result cache.
				"search_web": 0,
			},
			Weather: WeatherToolConfig{
				Enabled: true,
				BaseURL: "https://api.openweathermap.org/data/2.5/weather",
			},
			Search: SearchToolConfig{
				Enabled: true,
				BaseURL: "https://google.serper.dev/search",
			},
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   60 * time.Second,
			ExcludedPaths: []string{
				"/api/v1/auth/send-code",
				"/api/v1/auth/login",
				"/healthz",
				"/ws/chat",
			},
		},
		Store: StoreConfig{
			UserPrefTTL: 24 * time.Hour,
		},
	}
}
