// Package provider resolves per-request provider/model selections against
// the configured provider catalogs.
//
// Resolution is forgiving: an unknown or credential-less requested provider
// silently falls back to the process default, and an unknown model falls
// back to the resolved provider's default model. Both fallbacks are logged.
// The only hard failure is a resolved provider without a configured
// credential, which is a configuration error fatal for the turn.
package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/log"
)

// ErrNoCredential indicates the resolved provider has no API key configured.
var ErrNoCredential = errors.New("provider credential not configured")

// Selection is a fully resolved provider/model pair.
// ModelName is provider-qualified for Genkit (e.g. "openai/gpt-4o-mini").
type Selection struct {
	Provider  string
	Model     string
	ModelName string
}

// Registry resolves (provider, model) requests to concrete selections.
// Safe for concurrent use.
type Registry struct {
	defaultProvider string
	defaultModel    string
	logger          log.Logger

	mu    sync.RWMutex
	cache map[string]Selection
}

// NewRegistry creates a registry with the process-wide defaults from cfg.
func NewRegistry(cfg *config.Config, logger log.Logger) *Registry {
	return &Registry{
		defaultProvider: cfg.Provider,
		defaultModel:    cfg.ModelName,
		logger:          logger.With("component", "provider_registry"),
		cache:           make(map[string]Selection),
	}
}

// Resolve maps a requested provider/model pair to a usable selection.
// Empty arguments select the process defaults. Fallback rules:
//
//   - unknown provider, or known provider without a credential: fall back to
//     the default provider (logged, not an error)
//   - unknown model for the resolved provider: fall back to that provider's
//     default model (logged, not an error)
//
// Returns ErrNoCredential when the resolved provider itself has no
// credential, including after fallback.
func (r *Registry) Resolve(requestedProvider, requestedModel string) (Selection, error) {
	key := requestedProvider + "/" + requestedModel
	r.mu.RLock()
	if sel, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return sel, nil
	}
	r.mu.RUnlock()

	prov := requestedProvider
	if prov == "" {
		prov = r.defaultProvider
	}

	if !config.KnownProvider(prov) {
		r.logger.Warn("unknown provider requested, falling back to default",
			"requested", prov, "default", r.defaultProvider)
		prov = r.defaultProvider
	} else if !config.HasCredential(prov) && prov != r.defaultProvider {
		r.logger.Warn("requested provider has no credential, falling back to default",
			"requested", prov, "default", r.defaultProvider)
		prov = r.defaultProvider
	}

	if !config.HasCredential(prov) {
		return Selection{}, fmt.Errorf("%w: set %s for provider %q",
			ErrNoCredential, config.CredentialEnv(prov), prov)
	}

	model := requestedModel
	if model == "" {
		if prov == r.defaultProvider {
			model = r.defaultModel
		} else {
			model = config.DefaultModelForProvider(prov)
		}
	}

	// The operator-configured default model is trusted even when absent
	// from the built-in catalog (e.g. a fine-tune or preview model).
	trusted := prov == r.defaultProvider && model == r.defaultModel
	if !trusted && !config.KnownModel(prov, model) {
		fallback := config.DefaultModelForProvider(prov)
		r.logger.Warn("unknown model for provider, falling back to provider default",
			"provider", prov, "requested", model, "fallback", fallback)
		model = fallback
	}

	sel := Selection{
		Provider:  prov,
		Model:     model,
		ModelName: config.FullModelName(prov, model),
	}

	r.mu.Lock()
	r.cache[key] = sel
	r.mu.Unlock()

	r.logger.Debug("resolved model selection",
		"provider", sel.Provider, "model", sel.Model)
	return sel, nil
}
