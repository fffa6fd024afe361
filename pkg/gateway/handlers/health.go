package handlers

import (
	"net/http"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool            `json:"ok"`
		Draining       bool            `json:"draining"`
		ActiveSessions int             `json:"active_sessions"`
		Features       map[string]bool `json:"features"`
		Issues         []string        `json:"issues,omitempty"`
	}

	issues := h.Config.Issues()
	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()

	status := http.StatusOK
	switch {
	case len(issues) > 0:
		status = http.StatusInternalServerError
	case draining:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, readyResp{
		OK:             status == http.StatusOK,
		Draining:       draining,
		ActiveSessions: h.Sessions.Count(),
		Features:       h.Config.Features(),
		Issues:         issues,
	})
}
