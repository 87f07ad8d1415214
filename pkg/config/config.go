package config

import (
	"time"
)

// Config is the umbrella configuration object for the whole process.
// Loaded once at startup by Initialize(), validated, then treated as
// immutable and passed explicitly to every constructor.
type Config struct {
	configPath string // YAML file path (for reference)

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Tools     ToolsConfig     `yaml:"tools"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
}

// ConfigPath returns the YAML file the configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Credentials come from the environment, never from YAML.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"-"`
	Password        string        `yaml:"-"`
	Name            string        `yaml:"name"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// AuthConfig holds token issuance settings. The signing secret comes from
// the ACCESS_TOKEN_SECRET environment variable.
type AuthConfig struct {
	AccessTokenSecret string        `yaml:"-"`
	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	LoginCodeTTL      time.Duration `yaml:"login_code_ttl"`
}

// LLMConfig holds transport settings for the inference backend.
type LLMConfig struct {
	// DefaultModel names the ai_models row used when a session specifies none.
	DefaultModel string `yaml:"default_model"`
	// BaseURL overrides the per-model base URL when set (single-backend deployments).
	BaseURL        string        `yaml:"base_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxConns       int           `yaml:"max_conns"`
	MaxIdleConns   int           `yaml:"max_idle_conns"`
	// StreamBuffer sizes the chunk channel between the HTTP reader and the
	// turn loop. The reader blocks when the loop falls behind.
	StreamBuffer int `yaml:"stream_buffer"`
}

// AgentConfig holds turn-loop settings.
type AgentConfig struct {
	MaxIterations       int           `yaml:"max_iterations"`
	TurnTimeout         time.Duration `yaml:"turn_timeout"`
	TitleMaxChars       int           `yaml:"title_max_chars"`
	DefaultSystemPrompt string        `yaml:"default_system_prompt"`
	// Cache of pooled LLM clients, one per model endpoint.
	ClientCacheSize int           `yaml:"client_cache_size"`
	ClientCacheTTL  time.Duration `yaml:"client_cache_ttl"`
	// EventBuffer sizes the event channel between a running turn and the
	// gateway. The turn blocks when the channel fills.
	EventBuffer int `yaml:"event_buffer"`
}

// ExecutorConfig holds turn executor and janitor settings.
type ExecutorConfig struct {
	// GracefulShutdownTimeout bounds the wait for running turns to drain
	// on shutdown. Turns are cancelled first, so the wait covers only
	// their error finalization.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// SweepInterval is how often the janitor scans for stale pending
	// assistant rows left behind by crashed turns.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepStaleAfter is how old a pending row must be before the janitor
	// closes it out. Must exceed agent.turn_timeout, or the janitor would
	// race live turns.
	SweepStaleAfter time.Duration `yaml:"sweep_stale_after"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	SendStallTimeout  time.Duration `yaml:"send_stall_timeout"`
}

// ToolsConfig holds built-in tool server settings.
type ToolsConfig struct {
	CacheTTL          time.Duration            `yaml:"cache_ttl"`
	CacheTTLOverrides map[string]time.Duration `yaml:"cache_ttl_overrides"`
	Weather           WeatherToolConfig        `yaml:"weather"`
	Search            SearchToolConfig         `yaml:"search"`
}

// WeatherToolConfig configures the built-in weather tool.
type WeatherToolConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"`
}

// SearchToolConfig configures the built-in web search tool.
type SearchToolConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"-"`
}

// RateLimitConfig holds the fixed-window limiter settings.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	// ExcludedPaths are matched by prefix against the request path.
	ExcludedPaths []string `yaml:"excluded_paths"`
}

// StoreConfig holds KV entry lifetimes.
type StoreConfig struct {
	UserPrefTTL time.Duration `yaml:"user_pref_ttl"`
}
