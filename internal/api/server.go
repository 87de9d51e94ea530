// Package api exposes the agent facade over HTTP.
//
// Endpoints:
//   - POST /api/v1/query               - synchronous question answering
//   - POST /api/v1/query/stream        - SSE streaming answer
//   - GET  /api/v1/sessions/{id}/messages - visible conversation history
//   - DELETE /api/v1/sessions/{id}     - clear a session
//   - GET  /healthz, GET /readyz       - liveness and readiness probes
//
// Health probes sit outside the middleware stack so load balancer traffic
// never hits the rate limiter or request log.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okapi0/okapi/internal/agent"
	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/workflow"
)

// Service is the agent surface consumed by the HTTP layer.
type Service interface {
	Answer(ctx context.Context, q agent.Query) (*agent.Answer, error)
	AnswerStream(ctx context.Context, q agent.Query, stream workflow.StreamFunc) (*agent.Answer, error)
	History(ctx context.Context, threadID string) ([]conversation.Message, error)
	Clear(ctx context.Context, threadID string) error
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Logger      log.Logger
	Service     Service       // Required
	Pool        *pgxpool.Pool // Optional: nil skips the pool ping in /readyz
	CORSOrigins []string      // Allowed origins for CORS
	TrustProxy  bool          // Trust X-Real-IP/X-Forwarded-For for rate limit keys
	RateRPS     float64       // Token refill rate per IP (0 = default 1/s)
	RateBurst   int           // Token bucket size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a server with all routes and middleware configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("service is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	qh := &queryHandler{service: cfg.Service, logger: logger}
	sh := &sessionHandler{service: cfg.Service, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/query", qh.query)
	mux.HandleFunc("POST /api/v1/query/stream", qh.stream)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", sh.messages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", sh.clear)

	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 1.0
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(rps, burst)

	// Middleware stack, outermost first:
	//   Recovery -> RequestID -> Logging -> CORS -> RateLimit -> Routes
	// RequestID precedes Logging so request_id shows up in log attributes;
	// CORS precedes RateLimit so preflight OPTIONS carries CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health)
	topMux.Handle("GET /readyz", readiness(cfg.Pool))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
