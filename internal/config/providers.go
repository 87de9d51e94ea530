package config

import "os"

// AI provider identifiers used in Config.Provider and per-request overrides.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogleAI  = "googleai"
	ProviderOllama    = "ollama"
)

// providerModels is the catalog of chat models available per provider.
// The first entry of each list is the provider's default model, used when a
// request names the provider but an unknown model.
var providerModels = map[string][]string{
	ProviderOpenAI:    {"gpt-4o-mini", "gpt-4o", "gpt-4.1-mini"},
	ProviderAnthropic: {"claude-sonnet-4-5", "claude-3-7-sonnet-latest", "claude-3-5-haiku-latest"},
	ProviderGoogleAI:  {"gemini-2.5-flash", "gemini-2.5-pro"},
	ProviderOllama:    {"llama3.3", "qwen3"},
}

// providerEmbedders maps each provider to its default embedding model.
// Anthropic serves no embeddings; its entry is the googleai embedder, which
// the app wires in with the googleai credential. All of these fit the
// 768-dimension pgvector schema, by truncation where the native width is
// larger (see retrieval.VectorDimension).
var providerEmbedders = map[string]string{
	ProviderOpenAI:    "text-embedding-3-small",
	ProviderAnthropic: "gemini-embedding-001",
	ProviderGoogleAI:  "gemini-embedding-001",
	ProviderOllama:    "nomic-embed-text",
}

// credentialEnv maps each provider to the environment variable holding its
// API key. Ollama is absent: it authenticates by reachable host, not key.
var credentialEnv = map[string]string{
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderGoogleAI:  "GEMINI_API_KEY",
}

// KnownProvider reports whether the provider identifier is supported.
func KnownProvider(provider string) bool {
	_, ok := providerModels[provider]
	return ok
}

// ModelsForProvider returns the model catalog for a provider, or nil for an
// unknown provider. The returned slice must not be mutated.
func ModelsForProvider(provider string) []string {
	return providerModels[provider]
}

// DefaultEmbedderForProvider returns the default embedding model for a
// provider, or "" for an unknown provider.
func DefaultEmbedderForProvider(provider string) string {
	return providerEmbedders[provider]
}

// DefaultModelForProvider returns the first catalog entry for a provider,
// or "" for an unknown provider.
func DefaultModelForProvider(provider string) string {
	models := providerModels[provider]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

// KnownModel reports whether model is in the provider's catalog.
func KnownModel(provider, model string) bool {
	for _, m := range providerModels[provider] {
		if m == model {
			return true
		}
	}
	return false
}

// CredentialEnv returns the environment variable name carrying the
// provider's API key, or "" when the provider needs none.
func CredentialEnv(provider string) string {
	return credentialEnv[provider]
}

// HasCredential reports whether the provider's API key is present in the
// environment. Providers without a credential requirement always return true.
func HasCredential(provider string) bool {
	env, ok := credentialEnv[provider]
	if !ok {
		return true
	}
	return os.Getenv(env) != ""
}

// Providers returns the supported provider identifiers in stable order.
func Providers() []string {
	return []string{ProviderOpenAI, ProviderAnthropic, ProviderGoogleAI, ProviderOllama}
}
