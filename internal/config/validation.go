package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider and model validation
	if !KnownProvider(c.Provider) {
		return fmt.Errorf("%w: %q is not one of %v", ErrInvalidProvider, c.Provider, Providers())
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Credential presence for the default provider is required at startup.
	// Per-request provider overrides are checked at resolution time so a
	// missing secondary key degrades only the requests that need it.
	if !HasCredential(c.Provider) {
		return fmt.Errorf("%w: %s environment variable is required for provider %q",
			ErrMissingAPIKey, CredentialEnv(c.Provider), c.Provider)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxToolRounds < 1 || c.MaxToolRounds > 25 {
		return fmt.Errorf("%w: must be between 1 and 25, got %d", ErrInvalidMaxToolRounds, c.MaxToolRounds)
	}

	// 2. Retrieval configuration validation
	if c.RetrievalTopK <= 0 || c.RetrievalTopK > 20 {
		return fmt.Errorf("%w: must be between 1 and 20, got %d", ErrInvalidTopK, c.RetrievalTopK)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// 3. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}

	// Warn on the default dev password but don't block local development.
	if c.PostgresPassword == "okapi_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only. The deprecated allow/prefer modes are
	// vulnerable to MITM downgrade.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 4. Server configuration validation
	if c.ServerAddr == "" || !strings.Contains(c.ServerAddr, ":") {
		return fmt.Errorf("%w: %q must be host:port or :port", ErrInvalidServerAddr, c.ServerAddr)
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("%w: rate_limit_rps must be positive, got %g", ErrInvalidRateLimit, c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("%w: rate_limit_burst must be at least 1, got %d", ErrInvalidRateLimit, c.RateLimitBurst)
	}

	return nil
}

// NormalizeMaxHistoryMessages clamps a history load limit to a safe range.
func NormalizeMaxHistoryMessages(limit int32) int32 {
	if limit <= 0 {
		return DefaultMaxHistoryMessages
	}
	if limit > MaxAllowedHistoryMessages {
		return MaxAllowedHistoryMessages
	}
	return limit
}
