package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsMaxAge  = "600"
)

var (
	corsRequestHeaders = strings.Join([]string{"Authorization", "Content-Type", RequestIDHeader, VoiceVersionHeader}, ", ")
	corsExposeHeaders  = strings.Join([]string{RequestIDHeader, "Retry-After", VoiceVersionHeader}, ", ")
)

// CORS lets the dashboard call the API from its own origin. Credentials are
// allowed so the github_token cookie travels; origins must be listed in
// VOICE_CORS_ORIGINS, and an empty list turns cross-origin access off.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := cfg.CORSAllowedOrigins
	listed := func(origin string) bool {
		_, ok := allowed[origin]
		return origin != "" && ok
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if isPreflight(r) {
			if !listed(origin) {
				reqID, _ := RequestIDFrom(r.Context())
				WriteJSONError(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin not allowed",
					Param:     "Origin",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			allowOrigin(h, origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsRequestHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if listed(origin) {
			allowOrigin(w.Header(), origin)
			w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
		}
		next.ServeHTTP(w, r)
	})
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
}

func allowOrigin(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Add("Vary", "Origin")
}
