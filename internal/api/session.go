package api

import (
	"net/http"

	"github.com/okapi0/okapi/internal/conversation"
	"github.com/okapi0/okapi/internal/log"
)

type sessionHandler struct {
	service Service
	logger  log.Logger
}

// messagesResponse is the body of GET /api/v1/sessions/{id}/messages.
type messagesResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
}

// messages handles GET /api/v1/sessions/{id}/messages. Unknown sessions
// return an empty list, not 404: an untouched session and a cleared one
// look the same.
func (h *sessionHandler) messages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	msgs, err := h.service.History(r.Context(), id)
	if err != nil {
		h.logger.Error("history lookup failed", "session_id", id, "error", err)
		status, code := mapError(err)
		writeError(w, status, code, "failed to load history", h.logger)
		return
	}
	if msgs == nil {
		msgs = []conversation.Message{}
	}

	writeJSON(w, http.StatusOK, messagesResponse{SessionID: id, Messages: msgs}, h.logger)
}

// clear handles DELETE /api/v1/sessions/{id}. Idempotent: deleting an
// unknown session returns 204 as well.
func (h *sessionHandler) clear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.service.Clear(r.Context(), id); err != nil {
		h.logger.Error("session clear failed", "session_id", id, "error", err)
		status, code := mapError(err)
		writeError(w, status, code, "failed to clear session", h.logger)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
