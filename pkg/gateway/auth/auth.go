// Package auth carries the GitHub session between the browser cookies and the
// request context.
package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	TokenCookie = "github_token"
	UserCookie  = "github_user"

	SessionMaxAge = 7 * 24 * time.Hour
)

// User is the public profile kept in the readable github_user cookie.
type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type ctxKey struct{}

func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKey{}, token)
}

func TokenFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(ctxKey{}).(string)
	return token, ok && token != ""
}

// TokenFromRequest reads the access token cookie, falling back to a bearer
// header for non-browser callers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if c, err := r.Cookie(TokenCookie); err == nil {
		if token := strings.TrimSpace(c.Value); token != "" {
			return token, true
		}
	}
	return ParseBearer(r)
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// SetSessionCookies stores the token HttpOnly and the profile readable by
// the page.
func SetSessionCookies(w http.ResponseWriter, token string, user User, secure bool) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return err
	}
	maxAge := int(SessionMaxAge / time.Second)
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     UserCookie,
		Value:    url.QueryEscape(string(raw)),
		Path:     "/",
		MaxAge:   maxAge,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func ClearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{TokenCookie, UserCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:   name,
			Value:  "",
			Path:   "/",
			MaxAge: -1,
		})
	}
}

// UserFromRequest decodes the github_user cookie.
func UserFromRequest(r *http.Request) (User, bool) {
	c, err := r.Cookie(UserCookie)
	if err != nil || c.Value == "" {
		return User{}, false
	}
	raw, err := url.QueryUnescape(c.Value)
	if err != nil {
		return User{}, false
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.Login == "" {
		return User{}, false
	}
	return u, true
}
