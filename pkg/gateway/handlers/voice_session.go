package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/auth"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

type voiceStatus struct {
	Status         string `json:"status"`
	WebsocketReady bool   `json:"websocketReady"`
}

// VoiceSessionHandler serves the voice websocket. Every successful upgrade
// gets its own session and its own adapter.
type VoiceSessionHandler struct {
	Config    config.Config
	Adapters  voice.Factory
	Logger    *slog.Logger
	Journal   journal.Store
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Metrics   *metrics.Metrics

	upgraderOnce sync.Once
	upgrader     *websocket.Upgrader
}

// Dispatch routes requests for the voice path to h and everything else,
// upgrades included, to next.
func (h *VoiceSessionHandler) Dispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != h.path() {
			next.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func (h *VoiceSessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeMethodNotAllowed(w, r, "GET, HEAD")
			return
		}
		writeJSON(w, http.StatusOK, voiceStatus{Status: "ok", WebsocketReady: true})
		return
	}

	reqID := requestIDFromContext(r.Context())
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		h.Metrics.VoiceSessionRejected("draining")
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if h.Adapters == nil {
		h.Metrics.VoiceSessionRejected("voice_unavailable")
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "voice backend is not configured", Code: "voice_unavailable"}, http.StatusServiceUnavailable)
		return
	}

	token, _ := auth.TokenFromRequest(r)
	dec := h.Limiter.AcquireSession(ratelimit.ClientKey(token, r.RemoteAddr), time.Now())
	if !dec.Allowed {
		h.Metrics.VoiceSessionRejected("session_cap")
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrRateLimit, Message: "too many active voice sessions"}, http.StatusTooManyRequests)
		return
	}
	defer dec.Permit.Release()

	adapter, err := h.Adapters()
	if err != nil {
		h.logger().Error("voice adapter init failed", "request_id", reqID, "error", err)
		h.Metrics.VoiceSessionRejected("voice_unavailable")
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAPI, Message: "voice backend is not configured", Code: "voice_unavailable"}, http.StatusServiceUnavailable)
		return
	}

	conn, err := h.getUpgrader().Upgrade(w, r, nil)
	if err != nil {
		// The upgrader's Error hook already dropped the connection.
		_ = adapter.Close()
		h.Metrics.VoiceSessionRejected("handshake")
		return
	}

	sessionID := uuid.NewString()
	s, err := session.New(session.Dependencies{
		Conn:       conn,
		Adapter:    adapter,
		Logger:     h.logger(),
		Journal:    h.Journal,
		SessionID:  sessionID,
		RequestID:  reqID,
		RemoteAddr: r.RemoteAddr,
		Metrics:    h.Metrics,
		Config: session.Config{
			MaxMessageBytes:    h.Config.WSMaxMessageBytes,
			PingInterval:       h.Config.WSPingInterval,
			WriteTimeout:       h.Config.WSWriteTimeout,
			ReadTimeout:        h.Config.WSReadTimeout,
			MaxSessionDuration: h.Config.WSMaxSessionDuration,
			OutboundQueueSize:  h.Config.OutboundQueueSize,
			FatalErrorPolicy:   session.FatalErrorPolicy(h.Config.FatalErrorPolicy),
		},
	})
	if err != nil {
		h.logger().Error("voice session init failed", "request_id", reqID, "error", err)
		_ = adapter.Close()
		_ = conn.Close()
		return
	}

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel:     s.Cancel,
		Warn:       s.SendWarning,
		State:      func() string { return s.State().String() },
		RemoteAddr: r.RemoteAddr,
	})
	defer unregister()

	started := time.Now()
	h.Metrics.VoiceSessionStarted()
	if err := s.Run(); err != nil {
		h.logger().Warn("voice session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
	h.Metrics.VoiceSessionEnded(s.CloseReason(), time.Since(started))
}

func (h *VoiceSessionHandler) getUpgrader() *websocket.Upgrader {
	h.upgraderOnce.Do(func() {
		h.upgrader = &websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      h.originAllowed,
			Error:            h.rejectUpgrade,
		}
	})
	return h.upgrader
}

// rejectUpgrade drops the raw connection instead of answering a failed
// handshake.
func (h *VoiceSessionHandler) rejectUpgrade(w http.ResponseWriter, r *http.Request, status int, reason error) {
	h.logger().Warn("voice upgrade rejected", "request_id", requestIDFromContext(r.Context()), "status", status, "error", reason)
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, http.StatusText(status), status)
		return
	}
	nc, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = nc.Close()
}

func (h *VoiceSessionHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.Config.CORSAllowedOrigins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *VoiceSessionHandler) path() string {
	if h.Config.WSPath != "" {
		return h.Config.WSPath
	}
	return "/api/voice-session"
}

func (h *VoiceSessionHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
