package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/github"
)

const (
	oauthStateCookie = "github_oauth_state"
	oauthStateMaxAge = 10 * time.Minute

	dashboardPath = "/dashboard"
)

// AuthHandler implements the GitHub OAuth login flow and the cookie session.
type AuthHandler struct {
	GitHub       *github.Client
	CookieSecure bool
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Login redirects the browser to the GitHub consent page.
func (h AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.GitHub.Configured() {
		writeCoreErrorJSON(w, requestIDFromContext(r.Context()), core.NewAPIError("GitHub OAuth environment variables not configured"), http.StatusInternalServerError)
		return
	}
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   int(oauthStateMaxAge / time.Second),
		HttpOnly: true,
		Secure:   h.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.GitHub.AuthorizeURL(state), http.StatusFound)
}

// Callback finishes the OAuth exchange. Failures land back on the home page
// with an error query parameter.
func (h AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		redirectWithError(w, r, e)
		return
	}
	code := q.Get("code")
	if code == "" {
		redirectWithError(w, r, "missing_code")
		return
	}
	if c, err := r.Cookie(oauthStateCookie); err == nil && c.Value != "" && c.Value != q.Get("state") {
		redirectWithError(w, r, "state_mismatch")
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	token, err := h.GitHub.ExchangeCode(ctx, code)
	if err != nil {
		h.logger().Warn("github oauth exchange failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		redirectWithError(w, r, "auth_failed")
		return
	}
	user, err := h.GitHub.User(ctx, token)
	if err != nil {
		h.logger().Warn("github user lookup failed", "request_id", requestIDFromContext(r.Context()), "error", err)
		redirectWithError(w, r, "auth_failed")
		return
	}

	if err := auth.SetSessionCookies(w, token, auth.User{
		ID:        user.ID,
		Login:     user.Login,
		Name:      user.Name,
		AvatarURL: user.AvatarURL,
	}, h.CookieSecure); err != nil {
		redirectWithError(w, r, "auth_failed")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, dashboardPath, http.StatusFound)
}

func (h AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	type sessionResp struct {
		Authenticated bool       `json:"authenticated"`
		User          *auth.User `json:"user,omitempty"`
	}
	_, hasToken := auth.TokenFromRequest(r)
	user, hasUser := auth.UserFromRequest(r)
	if !hasToken || !hasUser {
		writeJSON(w, http.StatusUnauthorized, sessionResp{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, sessionResp{Authenticated: true, User: &user})
}

// Logout clears the session. POST answers JSON; GET redirects home.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookies(w)
	switch r.Method {
	case http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case http.MethodGet:
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		writeMethodNotAllowed(w, r, "GET, POST")
	}
}

func (h AuthHandler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.Timeout)
}

func (h AuthHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, "/?error="+url.QueryEscape(code), http.StatusFound)
}
