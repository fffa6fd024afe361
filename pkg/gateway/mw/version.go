package mw

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core"
)

const (
	VoiceVersionHeader = "X-Voice-Version"
	// Browsers cannot set headers on a websocket handshake, so upgrades may
	// pin the version with ?v= instead.
	VoiceVersionParam = "v"

	CurrentVoiceVersion = "1"
)

// APIVersion rejects /api requests pinned to a protocol version other than
// the current one and stamps the served version on every /api response.
// No pin means the current version.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isAPIPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		param := VoiceVersionHeader
		pins := splitPins(r.Header.Values(VoiceVersionHeader))
		if websocket.IsWebSocketUpgrade(r) {
			if q := r.URL.Query()[VoiceVersionParam]; len(q) > 0 {
				param = VoiceVersionParam
				pins = append(pins, splitPins(q)...)
			}
		}
		for _, v := range pins {
			if v == CurrentVoiceVersion {
				continue
			}
			reqID, _ := RequestIDFrom(r.Context())
			WriteJSONError(w, http.StatusBadRequest, &core.Error{
				Type:      core.ErrInvalidRequest,
				Message:   "unsupported voice protocol version " + v,
				Param:     param,
				Code:      "unsupported_version",
				RequestID: reqID,
			})
			return
		}

		// Upgrade responses are written by gorilla; the header is harmless there.
		w.Header().Set(VoiceVersionHeader, CurrentVoiceVersion)
		next.ServeHTTP(w, r)
	})
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}

// splitPins flattens repeated and comma-joined values, dropping blanks.
func splitPins(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
