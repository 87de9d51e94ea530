package config

// TracingConfig holds OTLP trace export configuration.
//
// Traces are exported over OTLP/HTTP to a local collector.
// See internal/observability/tracing.go for detailed setup instructions.
type TracingConfig struct {
	// Enabled turns trace export on (default: false)
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Endpoint is the OTLP/HTTP collector endpoint (default: localhost:4318)
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment" json:"environment"`
	// ServiceName is the service name on exported spans (default: okapi)
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}
