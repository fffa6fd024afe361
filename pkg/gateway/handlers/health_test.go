package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/gateway/config"
	"github.com/vango-go/vai-voice/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voice/pkg/gateway/live/sessions"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                 ":0",
		LogFormat:            config.LogFormatText,
		CORSAllowedOrigins:   map[string]struct{}{},
		ReadHeaderTimeout:    time.Second,
		ShutdownGracePeriod:  time.Second,
		UpstreamTimeout:      time.Second,
		WSPath:               "/api/voice-session",
		WSMaxMessageBytes:    1 << 20,
		WSPingInterval:       time.Second,
		WSWriteTimeout:       time.Second,
		WSMaxSessionDuration: 30 * time.Second,
		OutboundQueueSize:    32,
		FatalErrorPolicy:     config.FatalErrorPolicyReport,
		RealtimeURL:          "wss://example.invalid/v1/realtime",
		GitHubAPIBaseURL:     "https://api.github.com",
		GitHubOAuthBaseURL:   "https://github.com",
	}
}

func decodeReady(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v body=%q", err, rr.Body.String())
	}
	return resp
}

func TestHealthHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_InvalidConfig_NotReady(t *testing.T) {
	cfg := testConfig()
	cfg.GitHubClientID = "id-without-secret"
	h := ReadyHandler{Config: cfg}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got ok=true")
	}
	if issues, _ := resp["issues"].([]any); len(issues) == 0 {
		t.Fatalf("expected issues, got %v", resp["issues"])
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIAPIKey = "sk-test"
	tracker := sessions.NewTracker()
	unregister := tracker.Register("s1", sessions.Handle{Cancel: func() {}})
	defer unregister()

	h := ReadyHandler{Config: cfg, Lifecycle: &lifecycle.Lifecycle{}, Sessions: tracker}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if n, _ := resp["active_sessions"].(float64); n != 1 {
		t.Fatalf("active_sessions=%v, want 1", resp["active_sessions"])
	}
	features, _ := resp["features"].(map[string]any)
	if features["voice"] != true || features["github"] != false {
		t.Fatalf("features=%v", features)
	}
}

func TestReadyHandler_Draining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	h := ReadyHandler{Config: testConfig(), Lifecycle: lc}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if resp := decodeReady(t, rr); resp["draining"] != true {
		t.Fatalf("draining=%v", resp["draining"])
	}
}
