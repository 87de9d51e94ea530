package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/okapi0/okapi/internal/agent"
	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
	"github.com/okapi0/okapi/internal/provider"
	"github.com/okapi0/okapi/internal/workflow"
)

// maxRequestBody caps the decoded request size.
const maxRequestBody = 1 << 20

// queryRequest is the body of POST /api/v1/query and /api/v1/query/stream.
// A blank session id starts a new session; the minted id comes back in the
// response so the client can continue the thread.
type queryRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	UserID    *int64 `json:"user_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// queryResponse is the body of a successful POST /api/v1/query.
type queryResponse struct {
	Answer    string         `json:"answer"`
	Sources   []agent.Source `json:"sources"`
	SessionID string         `json:"session_id"`
}

type queryHandler struct {
	service Service
	logger  log.Logger
}

// parse decodes and validates the request body, minting a session id when
// the client did not supply one.
func (h *queryHandler) parse(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	if req.Message == "" {
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, true
}

func toQuery(req queryRequest) agent.Query {
	return agent.Query{
		ThreadID: req.SessionID,
		Messages: []conversation.Message{{Role: conversation.RoleUser, Content: req.Message}},
		UserID:   req.UserID,
		Provider: req.Provider,
		Model:    req.Model,
	}
}

// query handles POST /api/v1/query.
func (h *queryHandler) query(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parse(w, r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required", h.logger)
		return
	}

	res, err := h.service.Answer(r.Context(), toQuery(req))
	if err != nil {
		h.logger.Error("query failed", "session_id", req.SessionID, "error", err)
		status, code := mapError(err)
		writeError(w, status, code, "failed to answer query", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{
		Answer:    res.Answer,
		Sources:   res.Sources,
		SessionID: req.SessionID,
	}, h.logger)
}

// SSE event types for streaming queries.
const (
	EventSession = "session" // Carries the session id before any content
	EventChunk   = "chunk"   // Partial answer text
	EventDone    = "done"    // Stream completed successfully
	EventError   = "error"   // Terminal failure
)

// sessionPayload is the SSE data payload of the session-start event.
type sessionPayload struct {
	SessionID string `json:"session_id"`
}

// chunkPayload is the SSE data payload for streaming text chunks.
type chunkPayload struct {
	Text string `json:"text"`
}

// donePayload is the SSE data payload when streaming completes.
type donePayload struct {
	Answer    string         `json:"answer"`
	Sources   []agent.Source `json:"sources"`
	SessionID string         `json:"session_id"`
}

// errorPayload is the SSE data payload when an error occurs.
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// stream handles POST /api/v1/query/stream with Server-Sent Events.
// Event order: one session event, zero or more chunk events, then either
// done or error.
func (h *queryHandler) stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	req, ok := h.parse(w, r)
	if !ok {
		_ = writeEvent(w, flusher, EventError, errorPayload{
			Code:    "invalid_request",
			Message: "message is required",
		})
		return
	}

	ctx := r.Context()
	h.logger.Debug("SSE stream started", "session_id", req.SessionID)

	if err := writeEvent(w, flusher, EventSession, sessionPayload{SessionID: req.SessionID}); err != nil {
		return
	}

	res, err := h.service.AnswerStream(ctx, toQuery(req), func(ctx context.Context, chunk string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return writeEvent(w, flusher, EventChunk, chunkPayload{Text: chunk})
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "session_id", req.SessionID)
			return
		}
		h.logger.Error("stream failed", "session_id", req.SessionID, "error", err)
		_, code := mapError(err)
		_ = writeEvent(w, flusher, EventError, errorPayload{
			Code:    code,
			Message: "failed to answer query",
		})
		return
	}

	_ = writeEvent(w, flusher, EventDone, donePayload{
		Answer:    res.Answer,
		Sources:   res.Sources,
		SessionID: req.SessionID,
	})

	h.logger.Debug("SSE stream completed", "session_id", req.SessionID)
}

// mapError translates facade errors to an HTTP status and stable error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrInvalidThread):
		return http.StatusBadRequest, "invalid_session"
	case errors.Is(err, provider.ErrNoCredential):
		return http.StatusServiceUnavailable, "provider_unavailable"
	case errors.Is(err, workflow.ErrProviderCall):
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent[T any](w io.Writer, flusher http.Flusher, event string, data T) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
