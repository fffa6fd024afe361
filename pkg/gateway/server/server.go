package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-voice/pkg/core/voice"
	"github.com/vango-go/vai-voice/pkg/gateway/agent"
	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/github"
	"github.com/vango-go/vai-voice/pkg/gateway/handlers"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-voice/pkg/gateway/metrics"
	"github.com/vango-go/vai-voice/pkg/gateway/mw"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

// Options carries the collaborators built by the caller. Nil fields get
// in-process defaults; a nil Adapters or Responder disables that feature.
type Options struct {
	Adapters  voice.Factory
	Responder agent.Responder
	Journal   journal.Store
	GitHub    *github.Client
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Metrics   *metrics.Metrics
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	adapters  voice.Factory
	responder agent.Responder
	journal   journal.Store
	github    *github.Client
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	limiter   *ratelimit.Limiter
	metrics   *metrics.Metrics
	voice     *handlers.VoiceSessionHandler
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		adapters:  opts.Adapters,
		responder: opts.Responder,
		journal:   opts.Journal,
		github:    opts.GitHub,
		lifecycle: opts.Lifecycle,
		sessions:  opts.Sessions,
		metrics:   opts.Metrics,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.RateLimitRPS,
			Burst:                 cfg.RateLimitBurst,
			MaxConcurrentSessions: cfg.MaxSessionsPerClient,
		}),
	}
	if s.journal == nil {
		s.journal = journal.NewMemoryStore()
	}
	if s.lifecycle == nil {
		s.lifecycle = &lifecycle.Lifecycle{}
	}
	if s.sessions == nil {
		s.sessions = sessions.NewTracker()
	}
	if s.metrics == nil {
		s.metrics = metrics.New("voice_gateway")
	}
	if s.github == nil {
		s.github = github.New(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.GitHubRedirectURI,
			github.WithAPIBaseURL(cfg.GitHubAPIBaseURL),
			github.WithOAuthBaseURL(cfg.GitHubOAuthBaseURL),
			github.WithHTTPClient(newHTTPClient(cfg)),
		)
	}

	s.routes()
	return s
}

func newHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
		},
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	authH := handlers.AuthHandler{
		GitHub:       s.github,
		CookieSecure: s.cfg.CookieSecure,
		Timeout:      s.cfg.UpstreamTimeout,
		Logger:       s.logger,
	}
	s.mux.HandleFunc("GET /api/auth/github", authH.Login)
	s.mux.HandleFunc("GET /api/auth/callback", authH.Callback)
	s.mux.HandleFunc("GET /api/auth/session", authH.Session)
	s.mux.HandleFunc("/api/auth/logout", authH.Logout)

	repos := handlers.ReposHandler{
		GitHub:  s.github,
		Timeout: s.cfg.UpstreamTimeout,
		Logger:  s.logger,
	}
	s.mux.Handle("GET /api/repos", mw.Auth(true, http.HandlerFunc(repos.Repos)))
	s.mux.Handle("GET /api/repo-contents", mw.Auth(true, http.HandlerFunc(repos.Contents)))
	s.mux.Handle("GET /api/file-content", mw.Auth(true, http.HandlerFunc(repos.FileContent)))

	// The token is optional here; without it the current file is not fetched.
	s.mux.Handle("/api/agent/chat", mw.Auth(false, handlers.AgentChatHandler{
		Responder: s.responder,
		GitHub:    s.github,
		Timeout:   s.cfg.UpstreamTimeout,
		Logger:    s.logger,
		Metrics:   s.metrics,
	}))

	s.mux.Handle("GET /api/voice-sessions/{id}/events", handlers.SessionEventsHandler{Journal: s.journal})

	s.voice = &handlers.VoiceSessionHandler{
		Config:    s.cfg,
		Adapters:  s.adapters,
		Logger:    s.logger,
		Journal:   s.journal,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Metrics:   s.metrics,
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.metrics.Middleware(h)
	h = s.voice.Dispatch(h)
	h = mw.RateLimit(s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// DrainingWarning is sent to live voice sessions when shutdown begins.
const DrainingWarning = "server is shutting down; the session will close soon"

func (s *Server) SetDraining() { s.lifecycle.SetDraining(true) }

func (s *Server) WarnVoiceSessionsDraining() int {
	return s.sessions.WarnAll(DrainingWarning)
}

func (s *Server) WaitVoiceSessions(ctx context.Context) bool { return s.sessions.Wait(ctx) }

func (s *Server) CancelVoiceSessions() int { return s.sessions.CancelAll() }

func (s *Server) VoiceSessions() []sessions.Info { return s.sessions.Snapshot() }
