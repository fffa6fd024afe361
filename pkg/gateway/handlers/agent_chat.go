package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/agent"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/github"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
)

const maxChatBodyBytes = 64 << 10

type chatRequest struct {
	Message string `json:"message"`
	Repo    *struct {
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		Name string `json:"name"`
	} `json:"repo,omitempty"`
	File string `json:"file,omitempty"`
}

type chatResponse struct {
	Message string `json:"message"`
}

// AgentChatHandler answers text questions about the repository the user is
// browsing. When a file is named its contents are fetched with the caller's
// token and placed in the prompt; signed-in callers also give the model
// GitHub lookup tools.
type AgentChatHandler struct {
	Responder agent.Responder
	GitHub    *github.Client
	Timeout   time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (h AgentChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFromContext(r.Context())
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req chatRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes+1))
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("failed to read request body"), http.StatusBadRequest)
		return
	}
	if len(body) > maxChatBodyBytes {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("request body too large"), http.StatusRequestEntityTooLarge)
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid JSON body"), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeMissingParam(w, r, "Message is required", "message")
		return
	}
	if h.Responder == nil {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "chat agent is not configured", Code: "agent_unavailable"}, http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := withTimeout(r.Context(), h.Timeout)
	defer cancel()

	prompt := agent.Prompt{Message: req.Message, File: strings.TrimSpace(req.File)}
	if token, ok := auth.TokenFrom(r.Context()); ok && h.GitHub != nil {
		prompt.Tools = agent.NewGitHubTools(h.GitHub, token)
	}
	if req.Repo != nil && req.Repo.Owner.Login != "" && req.Repo.Name != "" {
		prompt.Repo = &agent.Repo{Owner: req.Repo.Owner.Login, Name: req.Repo.Name}
		if prompt.File != "" && h.GitHub != nil {
			if token, ok := auth.TokenFrom(r.Context()); ok {
				text, err := h.GitHub.ReadFile(ctx, token, prompt.Repo.Owner, prompt.Repo.Name, prompt.File)
				if err != nil {
					h.logger().Warn("agent file fetch failed", "request_id", reqID, "path", prompt.File, "error", err)
				} else {
					prompt.FileText = text
				}
			}
		}
	}

	reply, err := h.Responder.Reply(ctx, prompt)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyMessage) {
			writeMissingParam(w, r, "Message is required", "message")
			return
		}
		h.logger().Error("agent reply failed", "request_id", reqID, "error", err)
		h.Metrics.UpstreamError("agent")
		writeError(w, r, core.NewUpstreamError("agent", err))
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{Message: reply})
}

func (h AgentChatHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
