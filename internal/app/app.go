// Package app assembles the service from its components.
//
// Setup builds the full dependency graph in order: tracing, database pool
// with migrations, Genkit with provider plugins, the retrieval store and
// tool registry, the checkpoint store, the workflow engine, the agent
// facade, and the HTTP server. App holds the long-lived pieces; Close
// releases them in reverse order.
package app

import (
	"context"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okapi0/okapi/internal/agent"
	"github.com/okapi0/okapi/internal/api"
	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/log"
)

// App is the application container with all long-lived resources.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	Pool     *pgxpool.Pool
	Agent    *agent.Agent
	Server   *api.Server

	otelShutdown func(context.Context) error
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.Pool != nil {
		a.Pool.Close()
	}

	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.otelShutdown(ctx); err != nil && a.Logger != nil {
			a.Logger.Warn("shutting down tracer provider", "error", err)
		}
	}

	return nil
}
