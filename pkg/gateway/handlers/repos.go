package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/github"
)

// ReposHandler proxies the repository browser calls to GitHub with the
// caller's token. Routes are mounted behind mw.Auth(true).
type ReposHandler struct {
	GitHub  *github.Client
	Timeout time.Duration
	Logger  *slog.Logger
}

func (h ReposHandler) Repos(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}
	ctx, cancel := withTimeout(r.Context(), h.Timeout)
	defer cancel()

	repos, err := h.GitHub.Repositories(ctx, token, r.URL.Query().Get("search"))
	if err != nil {
		h.fail(w, r, "list repositories", err)
		return
	}
	if repos == nil {
		repos = []github.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h ReposHandler) Contents(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	owner, repo := strings.TrimSpace(q.Get("owner")), strings.TrimSpace(q.Get("repo"))
	if owner == "" || repo == "" {
		writeMissingParam(w, r, "Missing owner or repo parameter", missingParam(owner, "owner", "repo"))
		return
	}
	ctx, cancel := withTimeout(r.Context(), h.Timeout)
	defer cancel()

	contents, err := h.GitHub.ListDirectory(ctx, token, owner, repo, q.Get("path"))
	if err != nil {
		h.fail(w, r, "list contents", err)
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

func (h ReposHandler) FileContent(w http.ResponseWriter, r *http.Request) {
	token, ok := h.token(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	owner, repo, path := strings.TrimSpace(q.Get("owner")), strings.TrimSpace(q.Get("repo")), strings.TrimSpace(q.Get("path"))
	if owner == "" || repo == "" || path == "" {
		param := "path"
		if owner == "" || repo == "" {
			param = missingParam(owner, "owner", "repo")
		}
		writeMissingParam(w, r, "Missing owner, repo, or path parameter", param)
		return
	}
	ctx, cancel := withTimeout(r.Context(), h.Timeout)
	defer cancel()

	content, err := h.GitHub.ReadFile(ctx, token, owner, repo, path)
	if err != nil {
		h.fail(w, r, "read file", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (h ReposHandler) token(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := auth.TokenFrom(r.Context())
	if !ok {
		writeCoreErrorJSON(w, requestIDFromContext(r.Context()), core.NewAuthenticationError("Not authenticated"), http.StatusUnauthorized)
		return "", false
	}
	return token, true
}

func (h ReposHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("github request failed", "op", op, "request_id", requestIDFromContext(r.Context()), "error", err)
	writeError(w, r, err)
}

func missingParam(first, firstName, secondName string) string {
	if first == "" {
		return firstName
	}
	return secondName
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
