package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Probes and scrapes must stay cheap and never compete with user traffic.
var unmeteredPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

func rateLimitExempt(r *http.Request) bool {
	if _, ok := unmeteredPaths[r.URL.Path]; ok {
		return true
	}
	// Upgrades are bounded by the per-client session cap instead.
	return r.Method == http.MethodOptions || websocket.IsWebSocketUpgrade(r)
}

// RateLimit spends one token from the caller's bucket per request. Callers
// are keyed by their GitHub token, or by remote host when signed out.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rateLimitExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		token, _ := auth.TokenFromRequest(r)
		if dec := limiter.AcquireRequest(ratelimit.ClientKey(token, r.RemoteAddr), time.Now()); !dec.Allowed {
			writeRateLimited(w, r, dec.RetryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	reqID, _ := RequestIDFrom(r.Context())
	WriteJSONError(w, http.StatusTooManyRequests, &core.Error{
		Type:      core.ErrRateLimit,
		Message:   "too many requests; slow down and retry",
		RequestID: reqID,
	})
}
