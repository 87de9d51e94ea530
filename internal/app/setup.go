package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	genkitapi "github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/genai"

	"github.com/okapi0/okapi/db"
	"github.com/okapi0/okapi/internal/agent"
	"github.com/okapi0/okapi/internal/api"
	"github.com/okapi0/okapi/internal/checkpoint"
	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/observability"
	"github.com/okapi0/okapi/internal/provider"
	"github.com/okapi0/okapi/internal/retrieval"
	"github.com/okapi0/okapi/internal/tools"
	"github.com/okapi0/okapi/internal/workflow"
)

// Setup builds the application. On error everything already initialized is
// released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing attaches to Genkit's TracerProvider, so it must come before
	// genkit.Init.
	otelShutdown, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.otelShutdown = otelShutdown

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, ollamaPlugin, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder, embedOpts, err := provideEmbedder(g, ollamaPlugin, cfg)
	if err != nil {
		return nil, err
	}
	a.Embedder = embedder

	store := retrieval.NewStore(pool, embedder, logger, retrieval.WithEmbedOptions(embedOpts))
	retriever := retrieval.NewRetriever(store, cfg.RetrievalTopK, logger)

	registry := tools.NewRegistry(g, logger)
	if err := tools.RegisterRetrieve(registry, retriever); err != nil {
		return nil, fmt.Errorf("registering retrieval tool: %w", err)
	}

	checkpoints := checkpoint.NewStore(pool, logger)
	providers := provider.NewRegistry(cfg, logger)

	engine := workflow.New(g, providers, retriever, registry, checkpoints, workflow.Config{
		MaxToolRounds:      cfg.MaxToolRounds,
		RetrievalTopK:      cfg.RetrievalTopK,
		MaxHistoryMessages: int(config.NormalizeMaxHistoryMessages(cfg.MaxHistoryMessages)),
	}, logger)

	a.Agent = agent.New(engine, checkpoints, logger)

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Service:     a.Agent,
		Pool:        pool,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateRPS:     cfg.RateLimitRPS,
		RateBurst:   cfg.RateLimitBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = cfg.PostgresMaxConns
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideGenkit initializes Genkit with one plugin per usable provider.
//
// The default provider's plugin always loads. Other API-key providers load
// when their credential is present so per-request provider overrides can
// reach them; Ollama loads only as the default provider since it needs a
// reachable server, not a key. Ollama has no model auto-discovery, so its
// chat model and embedder are registered explicitly.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, *ollama.Ollama, error) {
	var (
		plugins      []genkitapi.Plugin
		ollamaPlugin *ollama.Ollama
	)

	usable := func(prov string) bool {
		return prov == cfg.Provider || config.HasCredential(prov)
	}

	if usable(config.ProviderOpenAI) {
		plugins = append(plugins, &openai.OpenAI{})
	}
	if usable(config.ProviderAnthropic) {
		plugins = append(plugins, &anthropic.Anthropic{})
	}
	if usable(config.ProviderGoogleAI) {
		plugins = append(plugins, &googlegenai.GoogleAI{})
	}
	if cfg.Provider == config.ProviderOllama {
		ollamaPlugin = &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		plugins = append(plugins, ollamaPlugin)
	}

	g := genkit.Init(ctx, genkit.WithPlugins(plugins...))
	if g == nil {
		return nil, nil, errors.New("initializing genkit")
	}

	if ollamaPlugin != nil {
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
	}

	logger.Info("initialized genkit",
		"provider", cfg.Provider,
		"model", cfg.ModelName,
		"plugins", len(plugins),
	)

	return g, ollamaPlugin, nil
}

// provideEmbedder looks up the embedder for the configured provider, along
// with the embed request options the retrieval store must attach per call.
// Each plugin registers embedders differently:
//   - googleai: GoogleAIEmbedder(g, modelName); honors
//     *genai.EmbedContentConfig options, so the vector width is requested
//     up front
//   - ollama: keyed by server address, registered in provideGenkit
//   - openai: auto-registered in Init, looked up by qualified name; the
//     plugin ignores embed options, so the store truncates the native
//     width down to the schema's
//   - anthropic: serves no embeddings; the googleai embedder is used when
//     its credential is present
func provideEmbedder(g *genkit.Genkit, ollamaPlugin *ollama.Ollama, cfg *config.Config) (ai.Embedder, any, error) {
	var (
		embedder  ai.Embedder
		embedOpts any
	)

	dim := retrieval.VectorDimension
	googleOpts := &genai.EmbedContentConfig{OutputDimensionality: &dim}

	switch cfg.Provider {
	case config.ProviderOllama:
		// The ollama plugin keys embedders by server address and requires
		// the model name per request.
		embedder = ollama.Embedder(g, cfg.OllamaHost)
		embedOpts = &ollama.EmbedOptions{Model: cfg.EmbedderModel}
	case config.ProviderOpenAI:
		embedder = genkit.LookupEmbedder(g, genkitapi.NewName(config.ProviderOpenAI, cfg.EmbedderModel))
	case config.ProviderAnthropic:
		if !config.HasCredential(config.ProviderGoogleAI) {
			return nil, nil, fmt.Errorf("provider %q offers no embeddings; set %s to use the %s embedder",
				cfg.Provider, config.CredentialEnv(config.ProviderGoogleAI), config.ProviderGoogleAI)
		}
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		embedOpts = googleOpts
	default:
		embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		embedOpts = googleOpts
	}

	if embedder == nil {
		return nil, nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	return embedder, embedOpts, nil
}
