package handlers

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-voice/pkg/gateway/journal"
)

type sessionEventsResp struct {
	SessionID string          `json:"session_id"`
	Events    []journal.Event `json:"events"`
}

// SessionEventsHandler serves GET /api/voice-sessions/{id}/events.
type SessionEventsHandler struct {
	Journal journal.Store
}

func (h SessionEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeMissingParam(w, r, "session id is required", "id")
		return
	}
	if h.Journal == nil {
		writeError(w, r, journal.ErrNotFound)
		return
	}
	events, err := h.Journal.Events(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, sessionEventsResp{SessionID: id, Events: events})
}
