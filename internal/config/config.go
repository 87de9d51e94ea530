// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml or /etc/okapi/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: Default provider, model, temperature, embedder
//   - Providers: Per-provider model catalogs and credentials (see providers.go)
//   - Storage: PostgreSQL connection (see storage.go)
//   - Retrieval: TopK and embedder model for vector search
//   - Server: HTTP bind address, rate limiting, CORS
//   - Observability: OTLP trace export (see observability.go)
//
// Security: Sensitive data (passwords) are never logged.
// Validation: Range checks in validation.go with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidTopK indicates the retrieval top-k value is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top_k")

	// ErrInvalidMaxToolRounds indicates the tool round limit is out of range.
	ErrInvalidMaxToolRounds = errors.New("invalid max tool rounds")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidServerAddr indicates the HTTP listen address is invalid.
	ErrInvalidServerAddr = errors.New("invalid server address")

	// ErrInvalidRateLimit indicates the rate limit settings are out of range.
	ErrInvalidRateLimit = errors.New("invalid rate limit")
)

const (
	// DefaultMaxHistoryMessages is the default number of messages to load.
	DefaultMaxHistoryMessages int32 = 100

	// MaxAllowedHistoryMessages is the absolute maximum to prevent OOM.
	MaxAllowedHistoryMessages int32 = 10000

	// DefaultMaxToolRounds bounds the chat/tool loop per request.
	DefaultMaxToolRounds = 5

	// DefaultRetrievalTopK is the number of documents fetched per search.
	DefaultRetrievalTopK = 5
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider    string  `mapstructure:"provider" json:"provider"`     // "openai" (default), "anthropic", "googleai", "ollama"
	ModelName   string  `mapstructure:"model_name" json:"model_name"` // Model identifier (e.g., "gpt-4o-mini", "claude-sonnet-4-5")
	Temperature float32 `mapstructure:"temperature" json:"temperature"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Conversation configuration
	MaxHistoryMessages int32 `mapstructure:"max_history_messages" json:"max_history_messages"`
	MaxToolRounds      int   `mapstructure:"max_tool_rounds" json:"max_tool_rounds"`

	// Retrieval configuration
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	RetrievalTopK int    `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
	PostgresMaxConns int32  `mapstructure:"postgres_max_conns" json:"postgres_max_conns"`

	// HTTP server configuration
	ServerAddr     string   `mapstructure:"server_addr" json:"server_addr"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst" json:"rate_limit_burst"`
	CORSOrigins    []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy     bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For headers (set true behind reverse proxy)

	// Observability configuration (see observability.go for type definition)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/okapi")

	setDefaults()
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{".", "/etc/okapi"},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// The embedder default follows the chat provider so an out-of-box
	// config needs only one credential. An explicit embedder_model wins.
	if cfg.EmbedderModel == "" {
		cfg.EmbedderModel = DefaultEmbedderForProvider(cfg.Provider)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("provider", ProviderOpenAI)
	viper.SetDefault("model_name", "gpt-4o-mini")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_history_messages", DefaultMaxHistoryMessages)
	viper.SetDefault("max_tool_rounds", DefaultMaxToolRounds)

	// Ollama defaults
	viper.SetDefault("ollama_host", "http://localhost:11434")

	// Retrieval defaults. embedder_model stays empty here and is resolved
	// per provider in Load.
	viper.SetDefault("embedder_model", "")
	viper.SetDefault("retrieval_top_k", DefaultRetrievalTopK)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "okapi")
	viper.SetDefault("postgres_password", "okapi_dev_password")
	viper.SetDefault("postgres_db_name", "okapi")
	viper.SetDefault("postgres_ssl_mode", "disable")
	viper.SetDefault("postgres_max_conns", 10)

	// Server defaults
	viper.SetDefault("server_addr", ":8080")
	viper.SetDefault("rate_limit_rps", 10.0)
	viper.SetDefault("rate_limit_burst", 20)
	viper.SetDefault("cors_origins", []string{"http://localhost:5173"})
	viper.SetDefault("trust_proxy", false)

	// Tracing defaults
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.service_name", "okapi")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.enabled", false)
}

// bindEnvVariables binds environment variable overrides explicitly.
// Provider API keys (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY) are
// read directly by the Genkit plugins, not via Viper; their presence is
// checked per-provider in providers.go.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// AI provider and model overrides
	mustBind("provider", "OKAPI_PROVIDER")
	mustBind("model_name", "OKAPI_MODEL_NAME")
	mustBind("ollama_host", "OKAPI_OLLAMA_HOST")
	mustBind("embedder_model", "OKAPI_EMBEDDER_MODEL")

	// Server overrides
	mustBind("server_addr", "OKAPI_SERVER_ADDR")
	mustBind("cors_origins", "OKAPI_CORS_ORIGINS")
	mustBind("trust_proxy", "OKAPI_TRUST_PROXY")

	// Tracing overrides
	mustBind("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	mustBind("tracing.enabled", "OKAPI_TRACING_ENABLED")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks (U+2588) avoid substring matching against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 characters or less are fully masked to prevent substring
// attacks; longer secrets keep the first and last 2 characters for debug
// utility. This defends against accidental logging, not compromised logs.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//
// When adding new sensitive fields, update this method or the nested struct's
// MarshalJSON. The compiler will remind you when tests fail.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "openai/gpt-4o-mini", "anthropic/claude-sonnet-4-5",
// "googleai/gemini-2.5-flash". If model already contains a "/", it is
// returned as-is.
func FullModelName(provider, model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return provider + "/" + model
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
