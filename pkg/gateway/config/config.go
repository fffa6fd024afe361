package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	FatalErrorPolicyReport = "report"
	FatalErrorPolicyClose  = "close"

	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	Addr      string
	LogFormat string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	UpstreamTimeout     time.Duration

	// Per-client limits. Zero disables a limit.
	RateLimitRPS         float64
	RateLimitBurst       int
	MaxSessionsPerClient int

	// Voice WebSocket sessions.
	WSPath               string
	WSMaxMessageBytes    int64
	WSPingInterval       time.Duration
	WSWriteTimeout       time.Duration
	WSReadTimeout        time.Duration
	WSMaxSessionDuration time.Duration
	OutboundQueueSize    int
	FatalErrorPolicy     string

	// Upstream realtime voice backend.
	OpenAIAPIKey         string
	RealtimeModel        string
	RealtimeSpeaker      string
	RealtimeURL          string
	RealtimeInstructions string

	// GitHub OAuth and content API.
	GitHubClientID     string
	GitHubClientSecret string
	GitHubRedirectURI  string
	GitHubAPIBaseURL   string
	GitHubOAuthBaseURL string
	CookieSecure       bool

	// Text agent.
	GeminiAPIKey string
	AgentModel   string

	// Session journal. An empty DatabaseURL keeps journals in memory.
	DatabaseURL string
	DBMigrate   bool
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICE_ADDR", ":3000"),
		LogFormat:            strings.ToLower(envOr("VOICE_LOG_FORMAT", LogFormatText)),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ReadHeaderTimeout:    envDurationOr("VOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamTimeout:      envDurationOr("VOICE_UPSTREAM_TIMEOUT", 30*time.Second),
		RateLimitRPS:         envFloat64Or("VOICE_RATE_LIMIT_RPS", 10),
		RateLimitBurst:       envIntOr("VOICE_RATE_LIMIT_BURST", 20),
		MaxSessionsPerClient: envIntOr("VOICE_MAX_SESSIONS_PER_CLIENT", 4),
		WSPath:               envOr("VOICE_WS_PATH", "/api/voice-session"),
		WSMaxMessageBytes:    envInt64Or("VOICE_WS_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		WSPingInterval:       envDurationOr("VOICE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("VOICE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:        envDurationOr("VOICE_WS_READ_TIMEOUT", 0),
		WSMaxSessionDuration: envDurationOr("VOICE_WS_MAX_DURATION", 2*time.Hour),
		OutboundQueueSize:    envIntOr("VOICE_OUTBOUND_QUEUE_SIZE", 256),
		FatalErrorPolicy:     strings.ToLower(envOr("VOICE_FATAL_ERROR_POLICY", FatalErrorPolicyReport)),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		RealtimeModel:        envOr("OPENAI_REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		RealtimeSpeaker:      envOr("OPENAI_REALTIME_SPEAKER", "alloy"),
		RealtimeURL:          envOr("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeInstructions: envOr("OPENAI_REALTIME_INSTRUCTIONS", ""),
		GitHubClientID:       envOr("GITHUB_CLIENT_ID", ""),
		GitHubClientSecret:   envOr("GITHUB_CLIENT_SECRET", ""),
		GitHubRedirectURI:    envOr("GITHUB_REDIRECT_URI", "http://localhost:3000/api/auth/callback"),
		GitHubAPIBaseURL:     envOr("GITHUB_API_BASE_URL", "https://api.github.com"),
		GitHubOAuthBaseURL:   envOr("GITHUB_OAUTH_BASE_URL", "https://github.com"),
		CookieSecure:         envBoolOr("VOICE_COOKIE_SECURE", false),
		GeminiAPIKey:         envOr("GEMINI_API_KEY", ""),
		AgentModel:           envOr("VOICE_AGENT_MODEL", "gemini-2.5-flash"),
		DatabaseURL:          envOr("DATABASE_URL", ""),
		DBMigrate:            envBoolOr("VOICE_DB_MIGRATE", true),
	}

	for _, origin := range splitCSV(os.Getenv("VOICE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns the first configuration problem, if any.
func (c Config) Validate() error {
	if issues := c.Issues(); len(issues) > 0 {
		return errors.New(issues[0])
	}
	return nil
}

// Issues lists every configuration problem that prevents serving.
func (c Config) Issues() []string {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("VOICE_ADDR must not be empty")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		add("VOICE_LOG_FORMAT must be one of text|json")
	}
	if c.ReadHeaderTimeout <= 0 {
		add("VOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		add("VOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if c.UpstreamTimeout <= 0 {
		add("VOICE_UPSTREAM_TIMEOUT must be > 0")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		add("VOICE_RATE_LIMIT_RPS and VOICE_RATE_LIMIT_BURST must be >= 0")
	}
	if c.MaxSessionsPerClient < 0 {
		add("VOICE_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		add("VOICE_WS_PATH must start with /")
	}
	if c.WSMaxMessageBytes <= 0 {
		add("VOICE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.WSPingInterval <= 0 {
		add("VOICE_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		add("VOICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSReadTimeout < 0 {
		add("VOICE_WS_READ_TIMEOUT must be >= 0")
	}
	if c.WSReadTimeout > 0 && c.WSReadTimeout <= c.WSPingInterval {
		add("VOICE_WS_READ_TIMEOUT must be > VOICE_WS_PING_INTERVAL when set")
	}
	if c.WSMaxSessionDuration <= 0 {
		add("VOICE_WS_MAX_DURATION must be > 0")
	}
	if c.OutboundQueueSize <= 0 {
		add("VOICE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	switch c.FatalErrorPolicy {
	case FatalErrorPolicyReport, FatalErrorPolicyClose:
	default:
		add("VOICE_FATAL_ERROR_POLICY must be one of report|close")
	}
	if strings.TrimSpace(c.RealtimeURL) == "" {
		add("OPENAI_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(c.GitHubAPIBaseURL) == "" {
		add("GITHUB_API_BASE_URL must not be empty")
	}
	if strings.TrimSpace(c.GitHubOAuthBaseURL) == "" {
		add("GITHUB_OAUTH_BASE_URL must not be empty")
	}
	if (c.GitHubClientID == "") != (c.GitHubClientSecret == "") {
		add("GITHUB_CLIENT_ID and GITHUB_CLIENT_SECRET must be set together")
	}
	return issues
}

// Features reports which optional integrations have credentials.
func (c Config) Features() map[string]bool {
	return map[string]bool{
		"voice":   c.OpenAIAPIKey != "",
		"github":  c.GitHubClientID != "" && c.GitHubClientSecret != "",
		"agent":   c.GeminiAPIKey != "",
		"journal": c.DatabaseURL != "",
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
